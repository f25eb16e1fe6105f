// Package detect implements the nine category detectors and the confidence
// fusion that turn a parsed event stream into anomaly records.
package detect

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/ocdev21/l1sentry/internal/baseline"
	"github.com/ocdev21/l1sentry/internal/config"
	"github.com/ocdev21/l1sentry/internal/logging"
	"github.com/ocdev21/l1sentry/internal/ml"
	"github.com/ocdev21/l1sentry/internal/models"
	"github.com/ocdev21/l1sentry/internal/temporal"
)

// Input is one file's worth of parsed events plus the feature windows and
// ensemble verdicts computed over them.
type Input struct {
	File   string
	Format models.SourceFormat
	Events []*models.ParsedEvent

	// Feature windows and the ensemble's verdicts; empty when the file was
	// too small to window.
	Features [][]float64
	Metas    []ml.WindowMeta
	Verdicts []ml.Verdict
}

// Detector analyzes one category across a whole file.
type Detector interface {
	Category() models.Category
	Detect(in *Input) []models.AnomalyRecord
}

// deps is the shared state every detector draws on.
type deps struct {
	cfg      config.DetectConfig
	fuser    *Fuser
	baseline *baseline.Tracker
	temporal *temporal.Analyzer
}

// Suite runs every category detector over a file in a stable order and
// filters results through the reporting floor.
type Suite struct {
	deps      deps
	detectors []Detector
	log       *logging.Logger
}

// NewSuite builds the full detector set over shared baseline and temporal
// state.
func NewSuite(cfg *config.Config, tracker *baseline.Tracker, analyzer *temporal.Analyzer) *Suite {
	d := deps{
		cfg:      cfg.Detect,
		fuser:    NewFuser(cfg.Fusion),
		baseline: tracker,
		temporal: analyzer,
	}
	return &Suite{
		deps: d,
		detectors: []Detector{
			&rachDetector{d},
			&handoverDetector{d},
			&harqDetector{d},
			&crcDetector{d},
			&rrcDetector{d},
			&timingAdvanceDetector{d},
			&powerControlDetector{d},
			&fronthaulDetector{d},
			&ueEventDetector{d},
		},
		log: logging.DetectLogger(),
	}
}

// Run executes all detectors over one file's input. Anomalies below the
// reporting floor are dropped; their observations have already updated the
// baseline and temporal state.
func (s *Suite) Run(in *Input) []models.AnomalyRecord {
	var out []models.AnomalyRecord
	for _, det := range s.detectors {
		for _, rec := range det.Detect(in) {
			if !s.deps.fuser.Reportable(rec.Confidence) {
				s.log.Debug("anomaly below reporting floor",
					"category", string(rec.Category),
					"type", rec.Type,
					"confidence", rec.Confidence)
				continue
			}
			out = append(out, rec)
		}
	}
	out = append(out, s.correlationAnomalies(in)...)
	return out
}

// chainPairs are causal category chains worth surfacing when correlated,
// e.g. RACH failures feeding RRC rejections.
var chainPairs = []struct {
	first, second models.Category
}{
	{models.CategoryRACH, models.CategoryRRC},
	{models.CategoryCRC, models.CategoryHARQ},
}

// correlationAnomalies reports cross-category failure chains detected by
// lagged co-occurrence.
func (s *Suite) correlationAnomalies(in *Input) []models.AnomalyRecord {
	var out []models.AnomalyRecord
	for _, pair := range chainPairs {
		rep := s.deps.temporal.Correlate(pair.first, pair.second)
		if !rep.Correlated {
			continue
		}
		confidence := clamp01(0.5 + rep.Strength/2)
		rec := s.deps.anomaly(in, 0, pair.second,
			"Correlated Failure Chain",
			fmt.Sprintf("%s events are followed by %s events within %.1fs",
				pair.first, pair.second, rep.TypicalLag.Seconds()),
			confidence,
			models.SignalBreakdown{Temporal: confidence},
			[]string{
				fmt.Sprintf("Correlation strength: %.2f", rep.Strength),
				fmt.Sprintf("Paired events: %d", rep.PairCount),
				fmt.Sprintf("Typical lag: %.2fs", rep.TypicalLag.Seconds()),
			},
			eventTime(in, 0))
		if s.deps.fuser.Reportable(rec.Confidence) {
			out = append(out, rec)
		}
	}
	return out
}

// anomaly assembles one immutable anomaly record.
func (d deps) anomaly(in *Input, idx int, category models.Category, typ, description string,
	confidence float64, breakdown models.SignalBreakdown, details []string, ts time.Time) models.AnomalyRecord {
	return models.AnomalyRecord{
		ID:          uuid.NewString(),
		Category:    category,
		Type:        typ,
		Severity:    models.SeverityForConfidence(confidence),
		Description: description,
		Confidence:  confidence,
		Breakdown:   breakdown,
		Timestamp:   ts,
		SourceFile:  in.File,
		RecordIdx:   idx,
		Details:     details,
	}
}

// statScore turns a baseline assessment into the statistical fusion input:
// the deviation when anomalous, a neutral 0.5 otherwise.
func statScore(a baseline.Assessment) float64 {
	if a.Anomalous {
		return a.Deviation
	}
	return 0.5
}

// temporalSupport is the temporal fusion input for file-level anomalies:
// burst or periodicity confidence when present, a neutral 0.5 otherwise.
func (d deps) temporalSupport(cat models.Category) float64 {
	if s := d.temporal.Support(cat); s > 0.5 {
		return s
	}
	return 0.5
}

// trendAnomaly reports when a tracked success metric is degrading across
// files; nil when the trend is stable, improving, or too short.
func (d deps) trendAnomaly(in *Input, cat models.Category, metric, typ string) *models.AnomalyRecord {
	tr := d.temporal.MetricTrend(metric)
	if !tr.Degrading {
		return nil
	}
	tScore := 0.75
	if tr.Severity == models.SeverityHigh {
		tScore = 0.85
	}
	pattern := clamp01(math.Abs(tr.RecentDeviation) * 2)
	confidence, breakdown := d.fuser.Fuse(pattern, 0.5, tScore)
	rec := d.anomaly(in, 0, cat, typ,
		fmt.Sprintf("%s is trending down (slope %.4f per file)", metric, tr.Slope),
		confidence, breakdown,
		[]string{
			fmt.Sprintf("Recent deviation: %.2f", tr.RecentDeviation),
			fmt.Sprintf("Trend severity: %s", tr.Severity),
		},
		eventTime(in, 0))
	return &rec
}

// burstScore is the temporal fusion input for rate anomalies: high when the
// file's event series is bursting, neutral otherwise.
func (d deps) burstScore(ts []time.Time, burstValue float64) float64 {
	if d.temporal.AnalyzeRate(ts).Burst {
		return burstValue
	}
	return 0.5
}

// timingScore scores short-range timing irregularity around event idx:
// base 0.5, +0.2 when neighborhood jitter exceeds 100ms, +0.3 when the
// largest inter-arrival gap exceeds 1s.
func timingScore(events []*models.ParsedEvent, idx, radius int) float64 {
	gaps := neighborhoodGaps(events, idx, radius)
	if len(gaps) == 0 {
		return 0.5
	}
	score := 0.5
	if stat.PopStdDev(gaps, nil) > 0.1 {
		score += 0.2
	}
	if maxOf(gaps) > 1.0 {
		score += 0.3
	}
	return score
}

// neighborhoodGaps returns the inter-arrival gaps in seconds within radius
// events of idx.
func neighborhoodGaps(events []*models.ParsedEvent, idx, radius int) []float64 {
	lo := idx - radius
	if lo < 0 {
		lo = 0
	}
	hi := idx + radius + 1
	if hi > len(events) {
		hi = len(events)
	}
	window := events[lo:hi]
	if len(window) < 2 {
		return nil
	}
	gaps := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		gaps = append(gaps, window[i].Timestamp.Sub(window[i-1].Timestamp).Seconds())
	}
	return gaps
}

// overshoot is the saturating pattern strength for a value past an upper
// threshold: 0 at the threshold, 1 at twice the threshold.
func overshoot(value, threshold float64) float64 {
	if threshold <= 0 {
		if value > 0 {
			return 1
		}
		return 0
	}
	return clamp01((value - threshold) / threshold)
}

// shortfall mirrors overshoot for lower bounds such as success-rate floors.
func shortfall(value, floor float64) float64 {
	if floor <= 0 {
		return 0
	}
	return clamp01((floor - value) / floor)
}

// seqAnomaly is one sequence-number irregularity inside an event slice.
type seqAnomaly struct {
	Index int
	Kind  string
	Delta int
}

// sequenceAnomalies flags sequence gaps, duplicates, and reordering over
// the events that carry a sequence number.
func sequenceAnomalies(events []*models.ParsedEvent) []seqAnomaly {
	var out []seqAnomaly
	var prev *models.ParsedEvent
	for i, ev := range events {
		if !ev.HasSeq {
			continue
		}
		if prev != nil {
			gap := int(ev.SeqNum) - int(prev.SeqNum)
			switch {
			case gap > 10:
				out = append(out, seqAnomaly{i, "gap", gap})
			case gap == 0:
				out = append(out, seqAnomaly{i, "duplicate", 0})
			case gap < 0:
				out = append(out, seqAnomaly{i, "out_of_order", -gap})
			}
		}
		prev = ev
	}
	return out
}

// neighborhood slices events around idx without copying.
func neighborhood(events []*models.ParsedEvent, idx, radius int) []*models.ParsedEvent {
	lo := idx - radius
	if lo < 0 {
		lo = 0
	}
	hi := idx + radius + 1
	if hi > len(events) {
		hi = len(events)
	}
	return events[lo:hi]
}

func eventTime(in *Input, idx int) time.Time {
	if idx >= 0 && idx < len(in.Events) {
		return in.Events[idx].Timestamp
	}
	if len(in.Events) > 0 {
		return in.Events[len(in.Events)-1].Timestamp
	}
	return time.Time{}
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
