// Package temporal detects time-domain patterns in event streams: bursts,
// degradation trends, periodicity, and cross-category correlation.
package temporal

import (
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ocdev21/l1sentry/internal/config"
	"github.com/ocdev21/l1sentry/internal/logging"
	"github.com/ocdev21/l1sentry/internal/models"
)

// maxWindowEvents caps each category window; the oldest timestamp is evicted
// on overflow.
const maxWindowEvents = 4096

// metricHistoryCap bounds per-metric value history.
const metricHistoryCap = 1000

// Analyzer keeps a sliding timestamp window per category and a bounded value
// history per named metric. Safe for concurrent use.
type Analyzer struct {
	mu      sync.Mutex
	cfg     config.TemporalConfig
	events  map[models.Category][]time.Time
	metrics map[string][]float64
	log     *logging.Logger
}

// New creates an analyzer with the given window configuration.
func New(cfg config.TemporalConfig) *Analyzer {
	return &Analyzer{
		cfg:     cfg,
		events:  make(map[models.Category][]time.Time),
		metrics: make(map[string][]float64),
		log:     logging.TemporalLogger(),
	}
}

// RecordEvent appends one timestamp to a category window, evicting the
// oldest entry on overflow.
func (a *Analyzer) RecordEvent(category models.Category, ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w := append(a.events[category], ts)
	if len(w) > maxWindowEvents {
		w = w[1:]
	}
	a.events[category] = w
}

// RecordMetric appends one value to a named metric history.
func (a *Analyzer) RecordMetric(name string, value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := append(a.metrics[name], value)
	if len(h) > metricHistoryCap {
		h = h[1:]
	}
	a.metrics[name] = h
}

// Reset clears all windows and histories.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = make(map[models.Category][]time.Time)
	a.metrics = make(map[string][]float64)
}

// RateReport describes event-rate behavior over the retained window.
type RateReport struct {
	OverallRate   float64 // events per second across the window
	MaxWindowRate float64
	AvgWindowRate float64
	Burst         bool
	BurstSeverity models.Severity
	TotalEvents   int
	Duration      time.Duration
}

// BurstConfidence maps burst severity to a confidence score.
func (r RateReport) BurstConfidence() float64 {
	if !r.Burst {
		return 0
	}
	switch r.BurstSeverity {
	case models.SeverityCritical:
		return 0.95
	case models.SeverityHigh:
		return 0.85
	case models.SeverityMedium:
		return 0.75
	default:
		return 0.65
	}
}

// RateAnalysis runs AnalyzeRate over a category's retained window. Stale
// timestamps are pruned first.
func (a *Analyzer) RateAnalysis(category models.Category) RateReport {
	a.mu.Lock()
	a.pruneLocked(category)
	window := append([]time.Time(nil), a.events[category]...)
	a.mu.Unlock()
	return a.AnalyzeRate(window)
}

// AnalyzeRate computes per-window event rates over a timestamp series and
// flags a burst when the peak window rate exceeds the average by the
// configured multiple of the rate standard deviation. Detectors pass the
// series they collected from the current file, which may span far more than
// one window.
func (a *Analyzer) AnalyzeRate(timestamps []time.Time) RateReport {
	if len(timestamps) < 2 {
		return RateReport{TotalEvents: len(timestamps)}
	}

	ts := toSeconds(timestamps)
	duration := ts[len(ts)-1] - ts[0]
	if duration == 0 {
		// Everything in one instant is a burst by definition.
		return RateReport{
			OverallRate:   float64(len(ts)),
			MaxWindowRate: float64(len(ts)),
			AvgWindowRate: float64(len(ts)),
			Burst:         true,
			BurstSeverity: models.SeverityHigh,
			TotalEvents:   len(ts),
		}
	}

	span := a.cfg.WindowSpan.Seconds()
	rates := make([]float64, 0, len(ts)-1)
	for i := 0; i < len(ts)-1; i++ {
		end := ts[i] + span
		n := 0
		for _, t := range ts {
			if t >= ts[i] && t < end {
				n++
			}
		}
		rates = append(rates, float64(n)/span)
	}

	avg := stat.Mean(rates, nil)
	std := stat.StdDev(rates, nil)
	maxRate := rates[0]
	for _, r := range rates[1:] {
		maxRate = math.Max(maxRate, r)
	}

	report := RateReport{
		OverallRate:   float64(len(ts)) / duration,
		MaxWindowRate: maxRate,
		AvgWindowRate: avg,
		TotalEvents:   len(ts),
		Duration:      time.Duration(duration * float64(time.Second)),
	}

	if std > 0 && maxRate > avg+a.cfg.BurstMultiplier*std {
		report.Burst = true
		ratio := 1.0
		if avg > 0 {
			ratio = maxRate / avg
		}
		switch {
		case ratio > 5:
			report.BurstSeverity = models.SeverityCritical
		case ratio > 3:
			report.BurstSeverity = models.SeverityHigh
		case ratio > 2:
			report.BurstSeverity = models.SeverityMedium
		default:
			report.BurstSeverity = models.SeverityLow
		}
	}

	return report
}

// Trend classifies a metric history as improving, degrading, or stable.
type Trend string

const (
	TrendImproving        Trend = "improving"
	TrendDegrading        Trend = "degrading"
	TrendStable           Trend = "stable"
	TrendInsufficientData Trend = "insufficient_data"
)

// trendSlopeEpsilon is the slope magnitude below which a metric counts as
// stable.
const trendSlopeEpsilon = 0.01

// TrendReport describes the direction and magnitude of metric movement.
type TrendReport struct {
	Trend           Trend
	Degrading       bool
	Slope           float64
	RecentDeviation float64 // relative shift of the last 5 values vs the whole history
	Severity        models.Severity
}

// MetricTrend fits a line over a metric history. Fewer than 5 samples is
// insufficient data.
func (a *Analyzer) MetricTrend(name string) TrendReport {
	a.mu.Lock()
	values := append([]float64(nil), a.metrics[name]...)
	a.mu.Unlock()

	if len(values) < 5 {
		return TrendReport{Trend: TrendInsufficientData}
	}

	xs := make([]float64, len(values))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, values, nil, false)

	report := TrendReport{Slope: slope, Trend: TrendStable, Severity: models.SeverityLow}
	switch {
	case slope > trendSlopeEpsilon:
		report.Trend = TrendImproving
	case slope < -trendSlopeEpsilon:
		report.Trend = TrendDegrading
		report.Degrading = true
	}

	recent := values[len(values)-5:]
	recentMean := stat.Mean(recent, nil)
	overallMean := stat.Mean(values, nil)
	if overallMean != 0 {
		report.RecentDeviation = (recentMean - overallMean) / overallMean
	}

	if report.Degrading {
		switch {
		case math.Abs(report.RecentDeviation) > 0.2:
			report.Severity = models.SeverityHigh
		case math.Abs(report.RecentDeviation) > 0.1:
			report.Severity = models.SeverityMedium
		}
	}

	return report
}

// PeriodicityReport describes cyclic structure in a category's events.
type PeriodicityReport struct {
	Periodic     bool
	MeanInterval time.Duration
	StdInterval  time.Duration
	CV           float64 // coefficient of variation of inter-event intervals
	Confidence   float64
}

// Periodicity checks whether inter-event intervals are regular enough to
// indicate a scheduled or cyclic source.
func (a *Analyzer) Periodicity(category models.Category) PeriodicityReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pruneLocked(category)
	window := a.events[category]
	if len(window) < 3 {
		return PeriodicityReport{}
	}

	ts := toSeconds(window)
	intervals := make([]float64, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		intervals[i-1] = ts[i] - ts[i-1]
	}

	mean := stat.Mean(intervals, nil)
	std := stat.StdDev(intervals, nil)
	cv := math.Inf(1)
	if mean > 0 {
		cv = std / mean
	}

	return PeriodicityReport{
		Periodic:     cv < a.cfg.PeriodicityTolerance,
		MeanInterval: time.Duration(mean * float64(time.Second)),
		StdInterval:  time.Duration(std * float64(time.Second)),
		CV:           cv,
		Confidence:   1.0 - math.Min(cv, 1.0),
	}
}

// CorrelationReport describes whether events of one category tend to follow
// events of another within the configured lag.
type CorrelationReport struct {
	Correlated bool
	Strength   float64
	TypicalLag time.Duration // median observed lag
	LagStdDev  time.Duration
	PairCount  int
}

// correlationFloor is the minimum pairing strength to call two categories
// correlated.
const correlationFloor = 0.3

// Correlate pairs each event of a with the events of b that follow it within
// the max lag. Strength is pair count over the smaller window size.
func (a *Analyzer) Correlate(first, second models.Category) CorrelationReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pruneLocked(first)
	a.pruneLocked(second)
	eventsA := a.events[first]
	eventsB := a.events[second]
	if len(eventsA) < 3 || len(eventsB) < 3 {
		return CorrelationReport{}
	}

	// Lags are computed on the raw timestamps; rebasing each window on its
	// own oldest event would erase the alignment between the two streams.
	maxLag := a.cfg.CorrelationMaxLag.Seconds()
	var lags []float64
	for _, ta := range eventsA {
		for _, tb := range eventsB {
			if lag := tb.Sub(ta).Seconds(); lag > 0 && lag <= maxLag {
				lags = append(lags, lag)
			}
		}
	}
	if len(lags) < 3 {
		return CorrelationReport{}
	}

	strength := float64(len(lags)) / math.Min(float64(len(eventsA)), float64(len(eventsB)))

	sort.Float64s(lags)
	median := stat.Quantile(0.5, stat.Empirical, lags, nil)
	std := stat.StdDev(lags, nil)

	return CorrelationReport{
		Correlated: strength > correlationFloor,
		Strength:   strength,
		TypicalLag: time.Duration(median * float64(time.Second)),
		LagStdDev:  time.Duration(std * float64(time.Second)),
		PairCount:  len(lags),
	}
}

// Support is the temporal-consistency contribution for fusion: the strongest
// of burst confidence and periodicity confidence for a category.
func (a *Analyzer) Support(category models.Category) float64 {
	rate := a.RateAnalysis(category)
	period := a.Periodicity(category)

	support := rate.BurstConfidence()
	if period.Periodic {
		support = math.Max(support, period.Confidence)
	}
	return support
}

// pruneLocked drops timestamps more than one window span behind the newest
// event; no retained timestamp is ever older than that. Events may arrive
// out of order, so the horizon comes from the maximum timestamp.
func (a *Analyzer) pruneLocked(category models.Category) {
	window := a.events[category]
	if len(window) == 0 {
		return
	}
	newest := window[0]
	for _, t := range window[1:] {
		if t.After(newest) {
			newest = t
		}
	}
	horizon := newest.Add(-a.cfg.WindowSpan)

	kept := window[:0]
	for _, t := range window {
		if !t.Before(horizon) {
			kept = append(kept, t)
		}
	}
	a.events[category] = kept
}

// toSeconds returns the window as sorted offsets in seconds from the oldest
// event.
func toSeconds(window []time.Time) []float64 {
	if len(window) == 0 {
		return nil
	}
	sorted := append([]time.Time(nil), window...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	base := sorted[0]
	out := make([]float64, len(sorted))
	for i, t := range sorted {
		out[i] = t.Sub(base).Seconds()
	}
	return out
}
