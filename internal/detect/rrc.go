package detect

import (
	"fmt"
	"math"

	"github.com/ocdev21/l1sentry/internal/baseline"
	"github.com/ocdev21/l1sentry/internal/models"
)

const rrcFailureFloor = 0.80

type rrcDetector struct {
	deps
}

func (d *rrcDetector) Category() models.Category { return models.CategoryRRC }

// Detect treats every RRC record as a setup attempt and each failure-marked
// one as a rejection. Rejections emit one anomaly per file; a depressed
// control-plane success rate or a degrading trend emits another.
func (d *rrcDetector) Detect(in *Input) []models.AnomalyRecord {
	var out []models.AnomalyRecord
	attempts, failures, failureIndicators := 0, 0, 0
	lastFailureIdx := 0

	for i, ev := range in.Events {
		if !ev.Indicators.HasRRC {
			continue
		}
		attempts++
		if !ev.Indicators.HasFailure() {
			continue
		}
		failures++
		failureIndicators += len(ev.Indicators.FailureIndicators)
		lastFailureIdx = i
		d.temporal.RecordEvent(models.CategoryRRC, ev.Timestamp)
	}

	if attempts == 0 {
		return out
	}
	successRate := 1.0 - float64(failures)/float64(attempts)
	d.baseline.Observe(models.CategoryRRC, baseline.SignalSetupAttempts, float64(attempts))
	d.temporal.RecordMetric("rrc_success_rate", successRate)
	a := d.baseline.Assess(models.CategoryRRC, baseline.SignalSuccessRate, successRate)
	d.baseline.Observe(models.CategoryRRC, baseline.SignalSuccessRate, successRate)

	if failures > 0 {
		seqs := sequenceAnomalies(neighborhood(in.Events, lastFailureIdx, 5))
		seqScore := 0.3 + clamp01(float64(len(seqs))/3.0)*0.5
		pattern := math.Max(clamp01(float64(failureIndicators)/float64(failures)/2.0),
			shortfall(successRate, d.cfg.RRCMinSuccessRate))
		tScore := math.Max(timingScore(in.Events, lastFailureIdx, 5), seqScore)

		confidence, breakdown := d.fuser.FuseWithFloor(pattern, statScore(a), tScore, rrcFailureFloor)
		out = append(out, d.anomaly(in, in.Events[lastFailureIdx].SourceIndex, models.CategoryRRC,
			"RRC Connection Failure",
			fmt.Sprintf("RRC setup rejections: %d/%d attempts", failures, attempts),
			confidence, breakdown,
			[]string{
				fmt.Sprintf("Failure indicators: %d", failureIndicators),
				fmt.Sprintf("Sequence anomalies near last rejection: %d", len(seqs)),
				"Indicates control plane congestion or resource shortage",
			},
			in.Events[lastFailureIdx].Timestamp))
	}

	if a.Anomalous && successRate < d.cfg.RRCMinSuccessRate {
		pattern := shortfall(successRate, d.cfg.RRCMinSuccessRate)
		confidence, breakdown := d.fuser.FuseWithFloor(pattern, a.Deviation, d.temporalSupport(models.CategoryRRC), 0.75)
		out = append(out, d.anomaly(in, 0, models.CategoryRRC,
			"Low RRC Connection Success Rate",
			fmt.Sprintf("RRC success rate %.1f%% (expected >%.0f%%)",
				successRate*100, d.cfg.RRCMinSuccessRate*100),
			confidence, breakdown,
			[]string{
				fmt.Sprintf("Failures: %d/%d attempts", failures, attempts),
				fmt.Sprintf("Severity: %s", a.Severity),
				"Indicates control plane overload or admission control issues",
			},
			eventTime(in, 0)))
	}

	if trend := d.trendAnomaly(in, models.CategoryRRC, "rrc_success_rate", "Degrading RRC Success Trend"); trend != nil {
		out = append(out, *trend)
	}

	return out
}
