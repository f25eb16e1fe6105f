// Package baseline maintains rolling statistical baselines per anomaly
// category and signal, providing adaptive thresholds in place of hardcoded
// values once enough samples accumulate.
package baseline

import (
	"math"
	"sync"

	"github.com/ocdev21/l1sentry/internal/config"
	"github.com/ocdev21/l1sentry/internal/logging"
	"github.com/ocdev21/l1sentry/internal/models"
)

// Signal names tracked against baselines. Direction semantics are encoded in
// the name: signals containing "success" alarm below threshold, everything
// else alarms above.
const (
	SignalSuccessRate    = "success_rate"
	SignalAttemptCount   = "attempt_count"
	SignalRetxRate       = "retransmission_rate"
	SignalMaxConsecRetx  = "max_consecutive_retx"
	SignalErrorRate      = "error_rate"
	SignalErrorsPer1000  = "errors_per_1000_packets"
	SignalSetupAttempts  = "setup_attempts"
	SignalViolationRate  = "violation_rate"
	SignalAdjustFreq     = "adjustment_frequency"
	SignalAvgPowerChange = "avg_power_changes"
	SignalInterArrival   = "packet_inter_arrival_time"
	SignalPacketSize     = "packet_size"
	SignalJitter         = "jitter"
	SignalResponseTime   = "response_time"
	SignalCommRatio      = "communication_ratio"
	SignalFailureCount   = "failure_count"
)

// staticDefaults provides the cold-start threshold per (category, signal),
// used until MinSamples observations accumulate.
var staticDefaults = map[models.Category]map[string]float64{
	models.CategoryRACH: {
		SignalAttemptCount: 10,
		SignalSuccessRate:  0.80,
	},
	models.CategoryHandover: {
		SignalSuccessRate: 0.85,
	},
	models.CategoryHARQ: {
		SignalRetxRate:      0.15,
		SignalMaxConsecRetx: 5,
	},
	models.CategoryCRC: {
		SignalErrorRate:     0.01,
		SignalErrorsPer1000: 10,
	},
	models.CategoryRRC: {
		SignalSuccessRate: 0.90,
	},
	models.CategoryTimingAdvance: {
		SignalViolationRate: 0.05,
	},
	models.CategoryPowerControl: {
		SignalAdjustFreq:     0.20,
		SignalAvgPowerChange: 10,
	},
}

// genericDefaults backs signals with no category-specific entry.
var genericDefaults = map[string]float64{
	SignalSuccessRate:  0.80,
	SignalErrorRate:    0.05,
	SignalRetxRate:     0.15,
	SignalAttemptCount: 10,
}

type key struct {
	Category models.Category
	Signal   string
}

// Tracker maintains one rolling window per (category, signal) pair. Safe for
// concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	cfg     config.BaselineConfig
	windows map[key]*window
	log     *logging.Logger
}

// New creates a tracker with the given window configuration.
func New(cfg config.BaselineConfig) *Tracker {
	return &Tracker{
		cfg:     cfg,
		windows: make(map[key]*window),
		log:     logging.BaselineLogger(),
	}
}

// Observe records one signal value, evicting the oldest sample when the
// window is at capacity.
func (t *Tracker) Observe(category models.Category, signal string, value float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{category, signal}
	w := t.windows[k]
	if w == nil {
		w = newWindow(t.cfg.WindowCapacity)
		t.windows[k] = w
	}
	w.add(value)
}

// Warm reports whether a signal has accumulated at least MinSamples
// observations, i.e. adaptive statistics have replaced the static default.
func (t *Tracker) Warm(category models.Category, signal string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w := t.windows[key{category, signal}]
	return w != nil && w.count >= t.cfg.MinSamples
}

// AdaptiveThreshold returns mean + k*stddev over the retained window. Below
// MinSamples observations the static default applies; ok is false when no
// default exists either.
func (t *Tracker) AdaptiveThreshold(category models.Category, signal string) (threshold float64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.adaptiveThresholdLocked(category, signal)
}

func (t *Tracker) adaptiveThresholdLocked(category models.Category, signal string) (float64, bool) {
	w := t.windows[key{category, signal}]
	if w == nil || w.count < t.cfg.MinSamples {
		if d, ok := staticDefaults[category][signal]; ok {
			return d, true
		}
		if d, ok := genericDefaults[signal]; ok {
			return d, true
		}
		return 0, false
	}
	return w.mean + t.cfg.SigmaMultiplier*w.stddev(), true
}

// Assessment is the outcome of comparing one value against its baseline.
type Assessment struct {
	Anomalous bool
	// Deviation is a normalized deviation score in [0,1]: z-score over 3
	// when the window is warm, relative distance from threshold when cold.
	Deviation float64
	Severity  models.Severity
}

// Assess compares a value against its adaptive threshold. Success-style
// signals alarm below threshold; all others alarm above.
func (t *Tracker) Assess(category models.Category, signal string, value float64) Assessment {
	t.mu.RLock()
	defer t.mu.RUnlock()

	threshold, ok := t.adaptiveThresholdLocked(category, signal)
	if !ok {
		threshold = 1.0
	}

	var deviation float64
	w := t.windows[key{category, signal}]
	if w != nil && w.count >= t.cfg.MinSamples {
		if std := w.stddev(); std > 0 {
			deviation = math.Abs(value-w.mean) / std / 3.0
		} else {
			deviation = math.Abs(value - w.mean)
		}
	} else if threshold > 0 {
		deviation = math.Abs(value-threshold) / threshold
	}
	deviation = math.Min(deviation, 1.0)

	anomalous := value > threshold
	if alarmBelow(signal) {
		anomalous = value < threshold
	}

	severity := models.SeverityLow
	if anomalous {
		switch {
		case deviation > 2.0/3.0:
			severity = models.SeverityCritical
		case deviation > 1.5/3.0:
			severity = models.SeverityHigh
		case deviation > 1.0/3.0:
			severity = models.SeverityMedium
		}
	}

	return Assessment{Anomalous: anomalous, Deviation: deviation, Severity: severity}
}

func alarmBelow(signal string) bool {
	switch signal {
	case SignalSuccessRate, SignalCommRatio:
		return true
	}
	return false
}

// Stats summarizes one window.
type Stats struct {
	Mean     float64
	StdDev   float64
	Min      float64
	Max      float64
	Count    int
	Capacity int
}

// SignalStats returns summary statistics for one tracked signal; ok is false
// when nothing has been observed yet.
func (t *Tracker) SignalStats(category models.Category, signal string) (Stats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	w := t.windows[key{category, signal}]
	if w == nil || w.count == 0 {
		return Stats{}, false
	}

	s := Stats{Mean: w.mean, StdDev: w.stddev(), Count: w.count, Capacity: w.cap()}
	s.Min = math.Inf(1)
	s.Max = math.Inf(-1)
	for _, v := range w.values() {
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	return s, true
}

// Reset clears all baseline windows.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows = make(map[key]*window)
}

// window is a fixed-capacity ring with running mean and M2 kept exact under
// insertion and eviction (Welford forward and reverse updates).
type window struct {
	ring  []float64
	head  int
	count int
	mean  float64
	m2    float64
}

func newWindow(capacity int) *window {
	if capacity <= 0 {
		capacity = 1
	}
	return &window{ring: make([]float64, capacity)}
}

func (w *window) cap() int { return len(w.ring) }

func (w *window) add(value float64) {
	if w.count == len(w.ring) {
		w.remove(w.ring[w.head])
	}

	w.ring[w.head] = value
	w.head = (w.head + 1) % len(w.ring)

	w.count++
	delta := value - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (value - w.mean)
}

func (w *window) remove(value float64) {
	if w.count == 1 {
		w.count, w.mean, w.m2 = 0, 0, 0
		return
	}
	w.count--
	delta := value - w.mean
	w.mean -= delta / float64(w.count)
	w.m2 -= delta * (value - w.mean)
	if w.m2 < 0 {
		w.m2 = 0
	}
}

// stddev is the population standard deviation of the retained samples.
func (w *window) stddev() float64 {
	if w.count == 0 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.count))
}

// values returns the retained samples in insertion order.
func (w *window) values() []float64 {
	out := make([]float64, 0, w.count)
	start := w.head - w.count
	for i := 0; i < w.count; i++ {
		out = append(out, w.ring[((start+i)%len(w.ring)+len(w.ring))%len(w.ring)])
	}
	return out
}
