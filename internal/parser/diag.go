package parser

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ocdev21/l1sentry/internal/logging"
	"github.com/ocdev21/l1sentry/internal/models"
)

// Diag frame plausibility bounds. The 2-byte length prefix counts itself,
// and a frame needs at least a message ID to be usable.
const (
	diagMinFrameLen = 4
	diagMaxFrameLen = 4096
)

// Ticks in a diag timestamp are 1.25ms each, counted from the GPS epoch.
const diagTicksPerSecond = 800

var gpsEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// DiagParser streams length-prefixed binary diagnostic log frames (.dlf,
// .qmdl). Each frame carries a 16-bit message ID and an optional 64-bit
// modem timestamp.
type DiagParser struct {
	cfg ParserConfig
	log *logging.Logger
}

// NewDiagParser creates a binary diagnostic log parser.
func NewDiagParser(cfg ParserConfig) *DiagParser {
	return &DiagParser{cfg: cfg, log: logging.ParserLogger()}
}

// Format returns the format this parser consumes.
func (p *DiagParser) Format() models.SourceFormat { return models.FormatDiag }

// Parse walks the frame stream. Frames with an implausible length prefix or
// a truncated body end the stream; frames too short to carry a message ID
// are counted malformed and skipped.
func (p *DiagParser) Parse(ctx context.Context, path string, emit EmitFunc) (*Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open diag log %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<16)
	stats := &Stats{}
	var prevTime time.Time
	var lenBuf [2]byte

	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			// A lone trailing byte is a truncated prefix.
			stats.Malformed++
			break
		}

		frameLen := binary.LittleEndian.Uint16(lenBuf[:])
		if frameLen < diagMinFrameLen || frameLen > diagMaxFrameLen {
			stats.Malformed++
			p.log.Debug("diag stream desynchronized",
				logging.Err(&MalformedRecordError{File: path, Index: index,
					Reason: fmt.Sprintf("frame length %d out of bounds", frameLen)}))
			break
		}

		frame := make([]byte, int(frameLen)-2)
		if _, err := io.ReadFull(r, frame); err != nil {
			stats.Malformed++
			p.log.Debug("truncated diag frame",
				logging.Err(&MalformedRecordError{File: path, Index: index, Reason: "truncated frame body"}))
			break
		}

		event := p.decodeFrame(frame)
		if event == nil {
			stats.Malformed++
			continue
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = prevTime
		}
		event.SourceFile = path
		event.SourceIndex = index
		event.Format = models.FormatDiag
		if !prevTime.IsZero() && !event.Timestamp.IsZero() {
			event.InterArrival = event.Timestamp.Sub(prevTime)
		}
		if !event.Timestamp.IsZero() {
			prevTime = event.Timestamp
		}

		if err := emit(event); err != nil {
			return stats, err
		}
		stats.Records++
	}

	return stats, nil
}

// decodeFrame extracts the message ID and timestamp from one frame body
// (length prefix already stripped).
func (p *DiagParser) decodeFrame(frame []byte) *models.ParsedEvent {
	if len(frame) < 2 {
		return nil
	}

	messageID := uint16(frame[0]) | uint16(frame[1])<<8

	event := &models.ParsedEvent{
		MessageID:  messageID,
		PayloadLen: len(frame),
	}

	if len(frame) >= 12 {
		if ticks := binary.LittleEndian.Uint64(frame[4:12]); ticks > 0 {
			event.Timestamp = diagTimestamp(ticks)
		}
	}

	event.Indicators = ExtractIndicators(frame, messageID, p.cfg.MaxPayloadScan)
	event.Hint = HintFromIndicators(event.Indicators, messageID)

	return event
}

// diagTimestamp converts 1.25ms ticks since the GPS epoch to wall time.
func diagTimestamp(ticks uint64) time.Time {
	secs := ticks / diagTicksPerSecond
	rem := ticks % diagTicksPerSecond
	return gpsEpoch.Add(time.Duration(secs)*time.Second + time.Duration(rem)*1250*time.Microsecond)
}
