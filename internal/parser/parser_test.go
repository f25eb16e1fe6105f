package parser

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/ocdev21/l1sentry/internal/models"
)

func collect(t *testing.T, p Parser, path string) ([]*models.ParsedEvent, *Stats) {
	t.Helper()
	var events []*models.ParsedEvent
	stats, err := p.Parse(context.Background(), path, func(e *models.ParsedEvent) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	return events, stats
}

// writeDiagFrame appends one length-prefixed frame with the given message ID
// and timestamp ticks.
func writeDiagFrame(buf []byte, messageID uint16, ticks uint64, extra int) []byte {
	body := make([]byte, 12+extra)
	body[0] = byte(messageID)
	body[1] = byte(messageID >> 8)
	binary.LittleEndian.PutUint64(body[4:12], ticks)

	frameLen := uint16(len(body) + 2)
	buf = binary.LittleEndian.AppendUint16(buf, frameLen)
	return append(buf, body...)
}

func TestSniffByExtension(t *testing.T) {
	cases := map[string]models.SourceFormat{
		"trace.pcap":   models.FormatPCAP,
		"trace.pcapng": models.FormatPCAP,
		"modem.dlf":    models.FormatDiag,
		"modem.qmdl":   models.FormatDiag,
		"events.txt":   models.FormatTextLog,
		"events.log":   models.FormatTextLog,
	}

	dir := t.TempDir()
	for name, want := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		got, err := Sniff(path)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", name, err)
			continue
		}
		if got != want {
			t.Errorf("%s: expected %s, got %s", name, want, got)
		}
	}
}

func TestSniffByMagic(t *testing.T) {
	dir := t.TempDir()

	pcapPath := filepath.Join(dir, "capture.bin")
	header := append([]byte{0xd4, 0xc3, 0xb2, 0xa1}, make([]byte, 20)...)
	if err := os.WriteFile(pcapPath, header, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Sniff(pcapPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != models.FormatPCAP {
		t.Errorf("expected pcap format, got %s", got)
	}

	diagPath := filepath.Join(dir, "modem.bin")
	diag := writeDiagFrame(nil, 0xB063, 800, 0)
	if err := os.WriteFile(diagPath, diag, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = Sniff(diagPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != models.FormatDiag {
		t.Errorf("expected diag format, got %s", got)
	}
}

func TestSniffUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob.bin")
	if err := os.WriteFile(path, []byte{0xff, 0xfe, 0x00, 0x01, 0x02, 0x03}, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Sniff(path)
	if !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestDiagParserDecodesFrames(t *testing.T) {
	var buf []byte
	buf = writeDiagFrame(buf, 0xB063, 800, 4)  // RACH attempt, +1s after epoch
	buf = writeDiagFrame(buf, 0xB0C6, 1600, 4) // handover command, +2s

	path := filepath.Join(t.TempDir(), "modem.dlf")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	events, stats := collect(t, NewDiagParser(DefaultParserConfig()), path)

	if stats.Records != 2 {
		t.Fatalf("expected 2 records, got %d", stats.Records)
	}
	if stats.Malformed != 0 {
		t.Errorf("expected 0 malformed, got %d", stats.Malformed)
	}

	if events[0].MessageID != 0xB063 {
		t.Errorf("expected message ID 0xB063, got 0x%X", events[0].MessageID)
	}
	if events[0].Hint != models.CategoryRACH {
		t.Errorf("expected RACH hint, got %s", events[0].Hint)
	}
	if !events[0].Indicators.HasRACH {
		t.Error("expected RACH indicator set")
	}

	wantTime := time.Date(1980, time.January, 6, 0, 0, 1, 0, time.UTC)
	if !events[0].Timestamp.Equal(wantTime) {
		t.Errorf("expected timestamp %v, got %v", wantTime, events[0].Timestamp)
	}

	if events[1].Hint != models.CategoryHandover {
		t.Errorf("expected handover hint, got %s", events[1].Hint)
	}
	if events[1].InterArrival != time.Second {
		t.Errorf("expected 1s inter-arrival, got %v", events[1].InterArrival)
	}
	if events[1].SourceIndex != 1 {
		t.Errorf("expected source index 1, got %d", events[1].SourceIndex)
	}
}

func TestDiagParserTruncatedTail(t *testing.T) {
	buf := writeDiagFrame(nil, 0xB064, 800, 0)
	// Trailing length prefix promising more bytes than remain.
	buf = binary.LittleEndian.AppendUint16(buf, 64)
	buf = append(buf, 0x01, 0x02)

	path := filepath.Join(t.TempDir(), "modem.dlf")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	events, stats := collect(t, NewDiagParser(DefaultParserConfig()), path)

	if stats.Records != 1 {
		t.Errorf("expected 1 record, got %d", stats.Records)
	}
	if stats.Malformed != 1 {
		t.Errorf("expected 1 malformed, got %d", stats.Malformed)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestDiagParserDesyncStops(t *testing.T) {
	buf := writeDiagFrame(nil, 0xB063, 800, 0)
	// Implausible length prefix: stream is desynchronized, stop rather
	// than misparse garbage.
	buf = binary.LittleEndian.AppendUint16(buf, 0xFFFF)
	buf = append(buf, make([]byte, 100)...)

	path := filepath.Join(t.TempDir(), "modem.dlf")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	_, stats := collect(t, NewDiagParser(DefaultParserConfig()), path)

	if stats.Records != 1 {
		t.Errorf("expected 1 record, got %d", stats.Records)
	}
	if stats.Malformed != 1 {
		t.Errorf("expected 1 malformed, got %d", stats.Malformed)
	}
}

func TestTextLogParserClassifies(t *testing.T) {
	content := `2024-03-01 09:00:00.000 UE 100 attach complete
2024-03-01 09:00:01.000 UE 200 attach rejected, cause: authentication failure
2024-03-01 09:00:02.500 UE 200 attach timeout waiting for response
2024-03-01 09:00:05.000 UE 100 abnormal detach, cause: radio link failure
2024-03-01 09:00:06.000 UE 300 handover failed to target cell
# comment line with no event
`
	path := filepath.Join(t.TempDir(), "events.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	events, stats := collect(t, NewTextLogParser(DefaultParserConfig()), path)

	if stats.Records != 5 {
		t.Fatalf("expected 5 records, got %d", stats.Records)
	}
	if stats.Malformed != 1 {
		t.Errorf("expected 1 malformed line, got %d", stats.Malformed)
	}

	want := []struct {
		ueID    string
		subtype string
		cause   string
	}{
		{"100", models.UESubtypeNormal, ""},
		{"200", models.UESubtypeFailedAttach, "authentication failure"},
		{"200", models.UESubtypeAttachTimeout, ""},
		{"100", models.UESubtypeAbnormalDetach, "radio link failure"},
		{"300", models.UESubtypeHandoverFail, ""},
	}
	for i, w := range want {
		ue := events[i].UE
		if ue == nil {
			t.Fatalf("event %d: missing UE fields", i)
		}
		if ue.UEID != w.ueID {
			t.Errorf("event %d: expected UE %s, got %s", i, w.ueID, ue.UEID)
		}
		if ue.Subtype != w.subtype {
			t.Errorf("event %d: expected subtype %s, got %s", i, w.subtype, ue.Subtype)
		}
		if ue.Cause != w.cause {
			t.Errorf("event %d: expected cause %q, got %q", i, w.cause, ue.Cause)
		}
		if events[i].Hint != models.CategoryUEEvent {
			t.Errorf("event %d: expected ue_event hint, got %s", i, events[i].Hint)
		}
	}

	if events[1].InterArrival != time.Second {
		t.Errorf("expected 1s inter-arrival, got %v", events[1].InterArrival)
	}
}

func TestTextLogParserTimestampLayouts(t *testing.T) {
	content := "2024-03-01T09:00:00Z UE 5 detach normal\n"
	path := filepath.Join(t.TempDir(), "events.log")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	events, _ := collect(t, NewTextLogParser(DefaultParserConfig()), path)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	want := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	if !events[0].Timestamp.Equal(want) {
		t.Errorf("expected %v, got %v", want, events[0].Timestamp)
	}
}

func buildTestPCAP(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}

	duMAC, _ := net.ParseMAC("00:11:22:33:44:67")
	ruMAC, _ := net.ParseMAC("6c:ad:ad:00:03:2a")
	base := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		eth := &layers.Ethernet{
			SrcMAC:       duMAC,
			DstMAC:       ruMAC,
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Id:       uint16(100 + i),
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(10, 0, 0, 1),
			DstIP:    net.IPv4(10, 0, 0, 2),
		}
		udp := &layers.UDP{SrcPort: 38472, DstPort: 38472}
		udp.SetNetworkLayerForChecksum(ip)

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		payload := gopacket.Payload([]byte("rach preamble detected"))
		if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, payload); err != nil {
			t.Fatal(err)
		}

		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(i) * 10 * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPCAPParserExtractsHeaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.pcap")
	buildTestPCAP(t, path)

	events, stats := collect(t, NewPCAPParser(DefaultParserConfig()), path)

	if stats.Records != 3 {
		t.Fatalf("expected 3 records, got %d", stats.Records)
	}

	first := events[0]
	if first.SrcMAC != "00:11:22:33:44:67" {
		t.Errorf("expected DU source MAC, got %s", first.SrcMAC)
	}
	if first.DstMAC != "6c:ad:ad:00:03:2a" {
		t.Errorf("expected RU dest MAC, got %s", first.DstMAC)
	}
	if !first.SrcIP.Equal(net.IPv4(10, 0, 0, 1)) {
		t.Errorf("unexpected source IP %v", first.SrcIP)
	}
	if first.SrcPort != 38472 || first.DstPort != 38472 {
		t.Errorf("unexpected ports %d/%d", first.SrcPort, first.DstPort)
	}
	if !first.HasSeq || first.SeqNum != 100 {
		t.Errorf("expected seq 100, got %d (has=%v)", first.SeqNum, first.HasSeq)
	}
	if !first.Indicators.HasRACH {
		t.Error("expected RACH keyword indicator from payload")
	}

	if events[1].InterArrival != 10*time.Millisecond {
		t.Errorf("expected 10ms inter-arrival, got %v", events[1].InterArrival)
	}
	if events[2].SeqNum != 102 {
		t.Errorf("expected seq 102, got %d", events[2].SeqNum)
	}
}

func TestOpenSelectsParser(t *testing.T) {
	dir := t.TempDir()

	pcapPath := filepath.Join(dir, "trace.pcap")
	buildTestPCAP(t, pcapPath)

	p, err := Open(pcapPath, DefaultParserConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Format() != models.FormatPCAP {
		t.Errorf("expected pcap parser, got %s", p.Format())
	}
}

func TestParseCancellation(t *testing.T) {
	var buf []byte
	for i := 0; i < 10; i++ {
		buf = writeDiagFrame(buf, 0xB063, uint64(800*(i+1)), 0)
	}
	path := filepath.Join(t.TempDir(), "modem.dlf")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDiagParser(DefaultParserConfig()).Parse(ctx, path, func(*models.ParsedEvent) error {
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
