// Package models defines the core data structures for l1sentry.
// All timestamps use nanosecond precision for diagnostic accuracy.
package models

import (
	"net"
	"time"
)

// Category identifies an anomaly category tracked by the engine.
type Category string

const (
	CategoryRACH          Category = "rach"
	CategoryHandover      Category = "handover"
	CategoryHARQ          Category = "harq"
	CategoryCRC           Category = "crc"
	CategoryRRC           Category = "rrc"
	CategoryTimingAdvance Category = "timing_advance"
	CategoryPowerControl  Category = "power_control"
	CategoryFronthaul     Category = "fronthaul"
	CategoryUEEvent       Category = "ue_event"
	CategoryUnknown       Category = "unknown"
)

// AllCategories lists every detector category in a stable order.
var AllCategories = []Category{
	CategoryRACH,
	CategoryHandover,
	CategoryHARQ,
	CategoryCRC,
	CategoryRRC,
	CategoryTimingAdvance,
	CategoryPowerControl,
	CategoryFronthaul,
	CategoryUEEvent,
}

// Severity bands an anomaly by its fused confidence.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityForConfidence maps a fused confidence score to a severity band.
func SeverityForConfidence(confidence float64) Severity {
	switch {
	case confidence >= 0.90:
		return SeverityCritical
	case confidence >= 0.75:
		return SeverityHigh
	case confidence >= 0.50:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SourceFormat identifies the input file format a record came from.
type SourceFormat string

const (
	FormatPCAP    SourceFormat = "pcap"
	FormatDiag    SourceFormat = "diag"
	FormatTextLog SourceFormat = "text"
)

// RawRecord is one captured packet or one diagnostic-log line, exactly as
// read from the source. Immutable once read.
type RawRecord struct {
	Timestamp time.Time    `json:"timestamp"`
	Payload   []byte       `json:"-"`
	Text      string       `json:"text,omitempty"`
	File      string       `json:"file"`
	Index     int          `json:"index"` // Sequence index within the source, 0-based
	Format    SourceFormat `json:"format"`
}

// L1Indicators holds per-category presence flags and failure keywords
// extracted from a record's payload or message ID.
type L1Indicators struct {
	HasRACH          bool `json:"has_rach,omitempty"`
	HasHandover      bool `json:"has_handover,omitempty"`
	HasHARQ          bool `json:"has_harq,omitempty"`
	HasCRC           bool `json:"has_crc,omitempty"`
	HasRRC           bool `json:"has_rrc,omitempty"`
	HasTimingAdvance bool `json:"has_timing_advance,omitempty"`
	HasPowerControl  bool `json:"has_power_control,omitempty"`

	// Retransmission reports a HARQ retx or NACK marker.
	Retransmission bool `json:"retransmission,omitempty"`

	// PowerDelta is the parsed TPC adjustment magnitude in dB; HasPowerDelta
	// guards the zero value.
	PowerDelta    float64 `json:"power_delta,omitempty"`
	HasPowerDelta bool    `json:"has_power_delta,omitempty"`

	// FailureIndicators are failure keywords found in the payload
	// (fail, reject, timeout, abort, ...).
	FailureIndicators []string `json:"failure_indicators,omitempty"`

	// ErrorIndicators are corruption keywords (error, invalid, corrupt, ...).
	ErrorIndicators []string `json:"error_indicators,omitempty"`
}

// Categories returns every category this record's indicators touch.
func (ind *L1Indicators) Categories() []Category {
	var cats []Category
	if ind.HasRACH {
		cats = append(cats, CategoryRACH)
	}
	if ind.HasHandover {
		cats = append(cats, CategoryHandover)
	}
	if ind.HasHARQ {
		cats = append(cats, CategoryHARQ)
	}
	if ind.HasCRC {
		cats = append(cats, CategoryCRC)
	}
	if ind.HasRRC {
		cats = append(cats, CategoryRRC)
	}
	if ind.HasTimingAdvance {
		cats = append(cats, CategoryTimingAdvance)
	}
	if ind.HasPowerControl {
		cats = append(cats, CategoryPowerControl)
	}
	return cats
}

// HasFailure reports whether any failure keyword was present.
func (ind *L1Indicators) HasFailure() bool {
	return len(ind.FailureIndicators) > 0
}

// UEEventType classifies a parsed UE event line.
type UEEventType string

const (
	UEEventAttach   UEEventType = "attach"
	UEEventDetach   UEEventType = "detach"
	UEEventHandover UEEventType = "handover"
)

// UE event subtypes observed in text logs.
const (
	UESubtypeNormal         = "normal"
	UESubtypeFailedAttach   = "failed_attach"
	UESubtypeAttachTimeout  = "attach_timeout"
	UESubtypeAbnormalDetach = "abnormal_detach"
	UESubtypeForcedDetach   = "forced_detach"
	UESubtypeHandoverFail   = "handover_failure"
)

// UEEvent holds the fields extracted from one UE event log line.
type UEEvent struct {
	UEID      string      `json:"ue_id"`
	EventType UEEventType `json:"event_type"`
	Subtype   string      `json:"event_subtype"`
	Cause     string      `json:"cause,omitempty"`
}

// ParsedEvent is the extractor's output for one RawRecord.
// Created per record; never mutated after creation.
type ParsedEvent struct {
	Timestamp time.Time `json:"timestamp"`

	// Hint is the category inferred from message ID, port, or keywords;
	// CategoryUnknown when the record carries no L1 signal.
	Hint Category `json:"hint"`

	// Link/network/transport headers, where present.
	SrcMAC  string `json:"src_mac,omitempty"`
	DstMAC  string `json:"dst_mac,omitempty"`
	SrcIP   net.IP `json:"src_ip,omitempty"`
	DstIP   net.IP `json:"dst_ip,omitempty"`
	SrcPort uint16 `json:"src_port,omitempty"`
	DstPort uint16 `json:"dst_port,omitempty"`

	// SeqNum is the IP-level sequence identifier used for
	// gap/duplicate/reorder detection. HasSeq guards the zero value.
	SeqNum uint32 `json:"seq_num,omitempty"`
	HasSeq bool   `json:"has_seq,omitempty"`

	// MessageID is the diagnostic message ID for diag-format records.
	MessageID uint16 `json:"message_id,omitempty"`

	PayloadLen int `json:"payload_len"`

	// InterArrival is the delay since the previous event of the same
	// source file; zero for the first record.
	InterArrival time.Duration `json:"inter_arrival"`

	Indicators L1Indicators `json:"indicators"`

	// UE is set only for text-log records.
	UE *UEEvent `json:"ue,omitempty"`

	// Source position back-reference (weak; no payload ownership).
	SourceFile  string       `json:"source_file"`
	SourceIndex int          `json:"source_index"`
	Format      SourceFormat `json:"format"`
}

// SignalBreakdown records how much each signal source contributed to the
// fused confidence, for explainability. The three components carry their
// fusion weights already applied; they sum to the fused total.
type SignalBreakdown struct {
	Pattern     float64 `json:"pattern"`
	Statistical float64 `json:"statistical"`
	Temporal    float64 `json:"temporal"`
}

// Total returns the sum of the weighted components.
func (b SignalBreakdown) Total() float64 {
	return b.Pattern + b.Statistical + b.Temporal
}

// AnomalyRecord is the engine's sole output unit. Created once per detected
// anomaly; immutable; ownership passes to the caller's sink on emit.
type AnomalyRecord struct {
	ID          string          `json:"id"`
	Category    Category        `json:"category"`
	Type        string          `json:"type"` // Human-readable anomaly name, e.g. "RACH Failure"
	Severity    Severity        `json:"severity"`
	Description string          `json:"description"`
	Confidence  float64         `json:"confidence"`
	Breakdown   SignalBreakdown `json:"breakdown"`
	Timestamp   time.Time       `json:"timestamp"`

	// Source identity and position.
	SourceFile string `json:"source_file"`
	RecordIdx  int    `json:"record_index"` // Packet or line number, 0-based

	// Context is a snippet of surrounding records, when available.
	Context string `json:"context,omitempty"`

	// Details carries per-detector diagnostic lines.
	Details []string `json:"details,omitempty"`
}
