package detect

import (
	"github.com/ocdev21/l1sentry/internal/config"
	"github.com/ocdev21/l1sentry/internal/models"
)

// Fuser combines the three anomaly signal scores into one confidence using
// the configured weights. Weights are validated to sum to 1.0 at load time.
type Fuser struct {
	cfg config.FusionConfig
}

// NewFuser returns a fuser over the given weights.
func NewFuser(cfg config.FusionConfig) *Fuser {
	return &Fuser{cfg: cfg}
}

// Fuse combines pattern, statistical, and temporal scores, each in [0,1],
// into a fused confidence plus its weighted breakdown. The breakdown
// components carry the weights already applied and sum to the confidence.
func (f *Fuser) Fuse(pattern, statistical, temporal float64) (float64, models.SignalBreakdown) {
	b := models.SignalBreakdown{
		Pattern:     clamp01(pattern) * f.cfg.PatternWeight,
		Statistical: clamp01(statistical) * f.cfg.StatisticalWeight,
		Temporal:    clamp01(temporal) * f.cfg.TemporalWeight,
	}
	return clamp01(b.Total()), b
}

// FuseWithFloor fuses and raises the result to at least floor. When the
// floor lifts the confidence, the breakdown is rescaled so it still sums to
// the reported value.
func (f *Fuser) FuseWithFloor(pattern, statistical, temporal, floor float64) (float64, models.SignalBreakdown) {
	confidence, b := f.Fuse(pattern, statistical, temporal)
	floor = clamp01(floor)
	if confidence >= floor {
		return confidence, b
	}
	if confidence == 0 {
		return floor, models.SignalBreakdown{Pattern: floor}
	}
	scale := floor / confidence
	b.Pattern *= scale
	b.Statistical *= scale
	b.Temporal *= scale
	return floor, b
}

// Reportable applies the minimum reporting floor: observations below it are
// absorbed into statistics without producing an anomaly record.
func (f *Fuser) Reportable(confidence float64) bool {
	return confidence >= f.cfg.ReportingFloor
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
