// Package parser provides streaming record parsers for l1sentry inputs:
// packet captures, binary diagnostic logs, and plain-text UE event logs.
package parser

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/ocdev21/l1sentry/internal/models"
)

// ErrMalformedRecord marks a single unparseable record. Callers count and
// skip these; they never abort the stream.
var ErrMalformedRecord = errors.New("malformed record")

// ErrUnknownFormat is returned when neither extension nor magic bytes
// identify the input. There is no generic fallback parser.
var ErrUnknownFormat = errors.New("unknown input format")

// MalformedRecordError carries the position of a record that failed to parse.
type MalformedRecordError struct {
	File   string
	Index  int
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("%s record %d: %s", e.File, e.Index, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }

// EmitFunc receives each parsed event in stream order. Returning an error
// stops the parse.
type EmitFunc func(*models.ParsedEvent) error

// Stats summarizes one parse pass.
type Stats struct {
	Records   int // Successfully parsed records
	Malformed int // Records skipped as malformed
}

// Parser converts one input file into a stream of ParsedEvents using O(1)
// additional memory per record.
type Parser interface {
	Format() models.SourceFormat
	Parse(ctx context.Context, path string, emit EmitFunc) (*Stats, error)
}

// pcap magic numbers (both endiannesses) and the pcapng section header.
var (
	pcapMagicLE   = []byte{0xd4, 0xc3, 0xb2, 0xa1}
	pcapMagicBE   = []byte{0xa1, 0xb2, 0xc3, 0xd4}
	pcapMagicNsLE = []byte{0x4d, 0x3c, 0xb2, 0xa1}
	pcapMagicNsBE = []byte{0xa1, 0xb2, 0x3c, 0x4d}
	pcapngMagic   = []byte{0x0a, 0x0d, 0x0d, 0x0a}
)

var extensionFormats = map[string]models.SourceFormat{
	".pcap":   models.FormatPCAP,
	".cap":    models.FormatPCAP,
	".pcapng": models.FormatPCAP,
	".dlf":    models.FormatDiag,
	".qmdl":   models.FormatDiag,
	".isf":    models.FormatDiag,
	".txt":    models.FormatTextLog,
	".log":    models.FormatTextLog,
}

// Sniff determines the input format of a file by extension first, falling
// back to magic-byte and content-type inspection. Unrecognized inputs fail
// with ErrUnknownFormat.
func Sniff(path string) (models.SourceFormat, error) {
	if f, ok := extensionFormats[strings.ToLower(filepath.Ext(path))]; ok {
		return f, nil
	}

	header := make([]byte, 512)
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("sniff %s: %w", path, err)
	}
	n, _ := f.Read(header)
	f.Close()
	header = header[:n]

	switch {
	case hasPrefix(header, pcapMagicLE), hasPrefix(header, pcapMagicBE),
		hasPrefix(header, pcapMagicNsLE), hasPrefix(header, pcapMagicNsBE),
		hasPrefix(header, pcapngMagic):
		return models.FormatPCAP, nil
	case looksLikeDiag(header):
		return models.FormatDiag, nil
	}

	if mt := mimetype.Detect(header); mt.Is("text/plain") {
		return models.FormatTextLog, nil
	}

	return "", fmt.Errorf("%s: %w", path, ErrUnknownFormat)
}

// ForFormat returns the parser for a sniffed format.
func ForFormat(format models.SourceFormat, cfg ParserConfig) (Parser, error) {
	switch format {
	case models.FormatPCAP:
		return NewPCAPParser(cfg), nil
	case models.FormatDiag:
		return NewDiagParser(cfg), nil
	case models.FormatTextLog:
		return NewTextLogParser(cfg), nil
	default:
		return nil, fmt.Errorf("format %q: %w", format, ErrUnknownFormat)
	}
}

// Open sniffs a file and returns its parser.
func Open(path string, cfg ParserConfig) (Parser, error) {
	format, err := Sniff(path)
	if err != nil {
		return nil, err
	}
	return ForFormat(format, cfg)
}

// ParserConfig carries the few knobs shared across parsers.
type ParserConfig struct {
	// MaxPayloadScan bounds how many payload bytes keyword extraction
	// inspects per record.
	MaxPayloadScan int
}

// DefaultParserConfig returns parser defaults.
func DefaultParserConfig() ParserConfig {
	return ParserConfig{MaxPayloadScan: 512}
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && bytes.Equal(b[:len(prefix)], prefix)
}

// looksLikeDiag applies a plausibility check to a length-prefixed diag
// stream: the first frame length must fit the header bounds.
func looksLikeDiag(header []byte) bool {
	if len(header) < 4 {
		return false
	}
	frameLen := binary.LittleEndian.Uint16(header[:2])
	return frameLen >= diagMinFrameLen && int(frameLen) <= len(header)+diagMaxFrameLen
}
