package detect

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ocdev21/l1sentry/internal/baseline"
	"github.com/ocdev21/l1sentry/internal/models"
)

const (
	taViolationFloor = 0.75

	// taJitterLimit is the neighborhood inter-arrival stddev past which
	// timing around a violation counts as unstable.
	taJitterLimit = 0.05
)

type timingAdvanceDetector struct {
	deps
}

func (d *timingAdvanceDetector) Category() models.Category { return models.CategoryTimingAdvance }

// Detect counts timing-advance violations per file. Any violation emits one
// anomaly scored by the jitter around the last violating record; a violation
// rate past the adaptive or configured ceiling emits a second.
func (d *timingAdvanceDetector) Detect(in *Input) []models.AnomalyRecord {
	var out []models.AnomalyRecord
	tracked, violations, failureIndicators := 0, 0, 0
	lastViolationIdx := 0
	var violationTimes []time.Time

	for i, ev := range in.Events {
		if !ev.Indicators.HasTimingAdvance {
			continue
		}
		tracked++
		if !ev.Indicators.HasFailure() && len(ev.Indicators.ErrorIndicators) == 0 {
			continue
		}
		violations++
		failureIndicators += len(ev.Indicators.FailureIndicators)
		lastViolationIdx = i
		violationTimes = append(violationTimes, ev.Timestamp)
		d.temporal.RecordEvent(models.CategoryTimingAdvance, ev.Timestamp)
	}

	if tracked == 0 {
		return out
	}
	violationRate := float64(violations) / float64(tracked)
	a := d.baseline.Assess(models.CategoryTimingAdvance, baseline.SignalViolationRate, violationRate)
	d.baseline.Observe(models.CategoryTimingAdvance, baseline.SignalViolationRate, violationRate)

	if violations > 0 {
		jitter := 0.0
		if gaps := neighborhoodGaps(in.Events, lastViolationIdx, 5); len(gaps) > 0 {
			jitter = stat.PopStdDev(gaps, nil)
		}
		tScore := 0.5
		if jitter > taJitterLimit {
			tScore = 0.8
		}
		pattern := 0.7
		if failureIndicators > 0 {
			pattern = clamp01(float64(failureIndicators) / float64(violations) / 2.0)
		}

		confidence, breakdown := d.fuser.FuseWithFloor(pattern, statScore(a), tScore, taViolationFloor)
		out = append(out, d.anomaly(in, in.Events[lastViolationIdx].SourceIndex, models.CategoryTimingAdvance,
			"Timing Advance Violation",
			fmt.Sprintf("Timing advance violations: %d/%d records", violations, tracked),
			confidence, breakdown,
			[]string{
				fmt.Sprintf("Neighborhood jitter: %.3fs", jitter),
				"Indicates UE mobility beyond cell range or synchronization loss",
			},
			in.Events[lastViolationIdx].Timestamp))
	}

	if a.Anomalous && violationRate > d.cfg.TAMaxViolationRate {
		tScore := 0.5
		if violations >= 3 {
			tScore = d.burstScore(violationTimes, 0.9)
		}
		pattern := overshoot(violationRate, d.cfg.TAMaxViolationRate)

		confidence, breakdown := d.fuser.FuseWithFloor(pattern, a.Deviation, tScore, 0.70)
		out = append(out, d.anomaly(in, 0, models.CategoryTimingAdvance,
			"High TA Violation Rate",
			fmt.Sprintf("TA violation rate %.1f%% (threshold %.1f%%)",
				violationRate*100, d.cfg.TAMaxViolationRate*100),
			confidence, breakdown,
			[]string{
				fmt.Sprintf("Violations: %d/%d records", violations, tracked),
				fmt.Sprintf("Severity: %s", a.Severity),
				"Indicates cell-edge population or systematic timing drift",
			},
			eventTime(in, 0)))
	}

	return out
}
