package parser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/ocdev21/l1sentry/internal/logging"
	"github.com/ocdev21/l1sentry/internal/models"
)

// PCAPParser streams packets from .pcap/.pcapng capture files and extracts
// link/network/transport headers plus L1 indicator flags per packet.
type PCAPParser struct {
	cfg ParserConfig
	log *logging.Logger
}

// NewPCAPParser creates a capture file parser.
func NewPCAPParser(cfg ParserConfig) *PCAPParser {
	return &PCAPParser{cfg: cfg, log: logging.ParserLogger()}
}

// Format returns the format this parser consumes.
func (p *PCAPParser) Format() models.SourceFormat { return models.FormatPCAP }

// packetSource abstracts the legacy and ng pcap readers.
type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Parse reads the capture one packet at a time. Packets that fail to decode
// are counted as malformed and skipped; the stream continues.
func (p *PCAPParser) Parse(ctx context.Context, path string, emit EmitFunc) (*Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}
	defer f.Close()

	src, err := openPacketSource(bufio.NewReaderSize(f, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read capture header %s: %w", path, err)
	}

	stats := &Stats{}
	var prevTime time.Time

	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A truncated trailing packet ends the stream; anything
			// else is a malformed record we skip.
			stats.Malformed++
			p.log.Debug("skipping malformed packet",
				logging.Err(&MalformedRecordError{File: path, Index: index, Reason: err.Error()}))
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			continue
		}

		event := p.decodePacket(data, ci, src.LinkType())
		event.SourceFile = path
		event.SourceIndex = index
		event.Format = models.FormatPCAP
		if !prevTime.IsZero() {
			event.InterArrival = event.Timestamp.Sub(prevTime)
		}
		prevTime = event.Timestamp

		if err := emit(event); err != nil {
			return stats, err
		}
		stats.Records++
	}

	return stats, nil
}

func openPacketSource(r io.Reader) (packetSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	if hasPrefix(magic, pcapngMagic) {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// decodePacket extracts headers and indicators from one packet. Decoding is
// best-effort: missing layers simply leave fields unset.
func (p *PCAPParser) decodePacket(data []byte, ci gopacket.CaptureInfo, linkType layers.LinkType) *models.ParsedEvent {
	pkt := gopacket.NewPacket(data, linkType.LayerType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	event := &models.ParsedEvent{
		Timestamp:  ci.Timestamp,
		PayloadLen: ci.Length,
	}

	if ethLayer := pkt.Layer(layers.LayerTypeEthernet); ethLayer != nil {
		eth := ethLayer.(*layers.Ethernet)
		event.SrcMAC = eth.SrcMAC.String()
		event.DstMAC = eth.DstMAC.String()
	}

	if ip4Layer := pkt.Layer(layers.LayerTypeIPv4); ip4Layer != nil {
		ip4 := ip4Layer.(*layers.IPv4)
		event.SrcIP = ip4.SrcIP
		event.DstIP = ip4.DstIP
		event.SeqNum = uint32(ip4.Id)
		event.HasSeq = true
	} else if ip6Layer := pkt.Layer(layers.LayerTypeIPv6); ip6Layer != nil {
		ip6 := ip6Layer.(*layers.IPv6)
		event.SrcIP = ip6.SrcIP
		event.DstIP = ip6.DstIP
	}

	if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		event.SrcPort = uint16(udp.SrcPort)
		event.DstPort = uint16(udp.DstPort)
	} else if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		event.SrcPort = uint16(tcp.SrcPort)
		event.DstPort = uint16(tcp.DstPort)
		event.SeqNum = tcp.Seq
		event.HasSeq = true
	}

	var payload []byte
	if app := pkt.ApplicationLayer(); app != nil {
		payload = app.Payload()
	} else if trans := pkt.TransportLayer(); trans != nil {
		payload = trans.LayerPayload()
	}
	if len(payload) > 0 {
		event.PayloadLen = len(payload)
	}

	event.Indicators = ExtractIndicators(payload, 0, p.cfg.MaxPayloadScan)
	event.Hint = HintFromIndicators(event.Indicators, 0)

	return event
}
