package parser

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ocdev21/l1sentry/internal/logging"
	"github.com/ocdev21/l1sentry/internal/models"
)

// TextLogParser consumes line-oriented UE event logs. Each line carries an
// optional timestamp, a UE identifier, and an attach/detach/handover event
// with free-text qualifiers.
type TextLogParser struct {
	cfg ParserConfig
	log *logging.Logger
}

// NewTextLogParser creates a UE event log parser.
func NewTextLogParser(cfg ParserConfig) *TextLogParser {
	return &TextLogParser{cfg: cfg, log: logging.ParserLogger()}
}

// Format returns the format this parser consumes.
func (p *TextLogParser) Format() models.SourceFormat { return models.FormatTextLog }

var (
	ueIDPattern      = regexp.MustCompile(`(?i)\bue[_\s-]?(?:id[:=\s]+)?(\d+)\b`)
	causePattern     = regexp.MustCompile(`(?i)\bcause[:=]\s*([^,;]+)`)
	timestampLayouts = []string{
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
		time.RFC3339,
		"Jan _2 15:04:05",
	}
	timestampPrefix = regexp.MustCompile(`^[\[\(]?(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?|\w{3}\s+\d+\s\d{2}:\d{2}:\d{2})[\]\)]?`)
)

// Parse reads the log line by line. Lines without a recognizable UE event
// are counted malformed and skipped; blank lines are ignored entirely.
func (p *TextLogParser) Parse(ctx context.Context, path string, emit EmitFunc) (*Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	defer f.Close()

	stats := &Stats{}
	var prevTime time.Time

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for index := 0; scanner.Scan(); index++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		event := parseEventLine(line)
		if event == nil {
			stats.Malformed++
			continue
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = prevTime
		}
		event.SourceFile = path
		event.SourceIndex = index
		event.Format = models.FormatTextLog
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
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read event log %s: %w", path, err)
	}

	return stats, nil
}

// parseEventLine classifies one log line into a UE event. Returns nil when
// the line names no attach/detach/handover activity.
func parseEventLine(line string) *models.ParsedEvent {
	lower := strings.ToLower(line)

	var eventType models.UEEventType
	switch {
	case strings.Contains(lower, "attach"):
		eventType = models.UEEventAttach
	case strings.Contains(lower, "detach"):
		eventType = models.UEEventDetach
	case strings.Contains(lower, "handover"):
		eventType = models.UEEventHandover
	default:
		return nil
	}

	ue := &models.UEEvent{EventType: eventType, Subtype: classifySubtype(eventType, lower)}

	if m := ueIDPattern.FindStringSubmatch(line); m != nil {
		ue.UEID = m[1]
	}
	if m := causePattern.FindStringSubmatch(line); m != nil {
		ue.Cause = strings.TrimSpace(m[1])
	}

	event := &models.ParsedEvent{
		UE:         ue,
		PayloadLen: len(line),
		Indicators: ExtractIndicators([]byte(lower), 0, len(lower)),
	}
	event.Hint = models.CategoryUEEvent

	if m := timestampPrefix.FindStringSubmatch(line); m != nil {
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, m[1]); err == nil {
				event.Timestamp = ts
				break
			}
		}
	}

	return event
}

// classifySubtype maps failure qualifiers in the line to an event subtype.
func classifySubtype(eventType models.UEEventType, lower string) string {
	switch eventType {
	case models.UEEventAttach:
		switch {
		case strings.Contains(lower, "timeout"):
			return models.UESubtypeAttachTimeout
		case strings.Contains(lower, "fail") || strings.Contains(lower, "reject") || strings.Contains(lower, "deny"):
			return models.UESubtypeFailedAttach
		}
	case models.UEEventDetach:
		switch {
		case strings.Contains(lower, "forced") || strings.Contains(lower, "network initiated") || strings.Contains(lower, "network-initiated"):
			return models.UESubtypeForcedDetach
		case strings.Contains(lower, "abnormal") || strings.Contains(lower, "unexpected") || strings.Contains(lower, "lost") || strings.Contains(lower, "drop"):
			return models.UESubtypeAbnormalDetach
		}
	case models.UEEventHandover:
		if strings.Contains(lower, "fail") || strings.Contains(lower, "abort") || strings.Contains(lower, "drop") {
			return models.UESubtypeHandoverFail
		}
	}
	return models.UESubtypeNormal
}
