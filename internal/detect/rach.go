package detect

import (
	"fmt"
	"math"
	"time"

	"github.com/ocdev21/l1sentry/internal/baseline"
	"github.com/ocdev21/l1sentry/internal/models"
)

// rachFailureFloor is the minimum confidence for a confirmed RACH failure
// anomaly.
const rachFailureFloor = 0.70

type rachDetector struct {
	deps
}

func (d *rachDetector) Category() models.Category { return models.CategoryRACH }

// Detect tracks RACH attempts and failures across the file. A failure ratio
// past the adaptive threshold emits one anomaly; a spiking attempt rate
// emits a burst anomaly; a warm baseline flags excessive attempt counts.
func (d *rachDetector) Detect(in *Input) []models.AnomalyRecord {
	var out []models.AnomalyRecord
	attempts, failures, failureIndicators := 0, 0, 0
	lastFailureIdx := 0
	var attemptTimes []time.Time

	for i, ev := range in.Events {
		if !ev.Indicators.HasRACH {
			continue
		}
		attempts++
		attemptTimes = append(attemptTimes, ev.Timestamp)
		d.temporal.RecordEvent(models.CategoryRACH, ev.Timestamp)
		if ev.Indicators.HasFailure() {
			failures++
			failureIndicators += len(ev.Indicators.FailureIndicators)
			lastFailureIdx = i
		}
	}

	d.baseline.Observe(models.CategoryRACH, baseline.SignalAttemptCount, float64(attempts))
	if attempts == 0 {
		return out
	}
	successRate := 1.0 - float64(failures)/float64(attempts)
	failureRatio := float64(failures) / float64(attempts)
	d.baseline.Observe(models.CategoryRACH, baseline.SignalSuccessRate, successRate)
	d.temporal.RecordMetric("rach_success_rate", successRate)

	threshold, ok := d.baseline.AdaptiveThreshold(models.CategoryRACH, baseline.SignalErrorRate)
	if !ok {
		threshold = 1.0 - d.cfg.RACHMinSuccessRate
	}
	if failures > 0 && failureRatio > threshold {
		a := d.baseline.Assess(models.CategoryRACH, baseline.SignalErrorRate, failureRatio)
		pattern := math.Max(overshoot(failureRatio, threshold),
			clamp01(float64(failureIndicators)/float64(failures)/3.0))
		tScore := math.Max(timingScore(in.Events, lastFailureIdx, 5), d.temporalSupport(models.CategoryRACH))

		confidence, breakdown := d.fuser.FuseWithFloor(pattern, a.Deviation, tScore, rachFailureFloor)
		out = append(out, d.anomaly(in, in.Events[lastFailureIdx].SourceIndex, models.CategoryRACH,
			"RACH Failure",
			fmt.Sprintf("RACH failure ratio %.1f%% (threshold %.1f%%)", failureRatio*100, threshold*100),
			confidence, breakdown,
			[]string{
				fmt.Sprintf("Failures: %d/%d attempts", failures, attempts),
				fmt.Sprintf("Failure indicators: %d", failureIndicators),
				fmt.Sprintf("Severity: %s", a.Severity),
				"Indicates preamble collisions, coverage issues, or cell overload",
			},
			in.Events[lastFailureIdx].Timestamp))
	}
	d.baseline.Observe(models.CategoryRACH, baseline.SignalErrorRate, failureRatio)

	if attempts >= 3 {
		if rate := d.temporal.AnalyzeRate(attemptTimes); rate.Burst {
			confidence := rate.BurstConfidence()
			out = append(out, d.anomaly(in, 0, models.CategoryRACH,
				"RACH Burst Pattern",
				fmt.Sprintf("RACH burst: %d attempts in %.2fs", rate.TotalEvents, rate.Duration.Seconds()),
				confidence,
				models.SignalBreakdown{Temporal: confidence},
				[]string{
					fmt.Sprintf("Burst severity: %s", rate.BurstSeverity),
					fmt.Sprintf("Peak rate: %.2f events/sec", rate.MaxWindowRate),
					fmt.Sprintf("Average rate: %.2f events/sec", rate.AvgWindowRate),
				},
				eventTime(in, 0)))
		}
	}

	// Attempt-count alarms only fire off a warm window; the static default
	// would flag every busy capture during cold start.
	if d.baseline.Warm(models.CategoryRACH, baseline.SignalAttemptCount) {
		a := d.baseline.Assess(models.CategoryRACH, baseline.SignalAttemptCount, float64(attempts))
		if a.Anomalous {
			attemptThreshold, _ := d.baseline.AdaptiveThreshold(models.CategoryRACH, baseline.SignalAttemptCount)
			pattern := overshoot(float64(attempts), math.Max(attemptThreshold, d.cfg.RACHAttemptThreshold))
			confidence, breakdown := d.fuser.FuseWithFloor(pattern, a.Deviation, d.temporalSupport(models.CategoryRACH), 0.65)
			out = append(out, d.anomaly(in, 0, models.CategoryRACH,
				"Excessive RACH Attempts",
				fmt.Sprintf("Excessive RACH attempts: %d (threshold %.1f)", attempts, attemptThreshold),
				confidence, breakdown,
				[]string{
					fmt.Sprintf("Deviation score: %.2f", a.Deviation),
					fmt.Sprintf("Severity: %s", a.Severity),
					"Indicates possible network congestion or cell overload",
				},
				eventTime(in, 0)))
		}
	}

	return out
}
