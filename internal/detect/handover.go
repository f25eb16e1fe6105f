package detect

import (
	"fmt"
	"math"

	"github.com/ocdev21/l1sentry/internal/baseline"
	"github.com/ocdev21/l1sentry/internal/models"
)

const handoverFailureFloor = 0.75

type handoverDetector struct {
	deps
}

func (d *handoverDetector) Category() models.Category { return models.CategoryHandover }

// Detect aggregates handover attempts and failures over the file. Any
// failure emits one anomaly backed by sequence-number analysis around the
// last failing packet; a depressed success rate or a degrading cross-file
// trend emits a second.
func (d *handoverDetector) Detect(in *Input) []models.AnomalyRecord {
	var out []models.AnomalyRecord
	attempts, failures, failureIndicators := 0, 0, 0
	lastFailureIdx := 0

	for i, ev := range in.Events {
		if !ev.Indicators.HasHandover {
			continue
		}
		attempts++
		if !ev.Indicators.HasFailure() {
			continue
		}
		failures++
		failureIndicators += len(ev.Indicators.FailureIndicators)
		lastFailureIdx = i
		d.temporal.RecordEvent(models.CategoryHandover, ev.Timestamp)
	}

	d.baseline.Observe(models.CategoryHandover, baseline.SignalAttemptCount, float64(attempts))
	if attempts == 0 {
		return out
	}
	successRate := 1.0 - float64(failures)/float64(attempts)
	d.temporal.RecordMetric("handover_success_rate", successRate)
	a := d.baseline.Assess(models.CategoryHandover, baseline.SignalSuccessRate, successRate)
	d.baseline.Observe(models.CategoryHandover, baseline.SignalSuccessRate, successRate)

	if failures > 0 {
		seqs := sequenceAnomalies(neighborhood(in.Events, lastFailureIdx, 10))
		seqScore := 0.3
		if len(seqs) > 0 {
			seqScore = clamp01(float64(len(seqs)) / 5.0)
		}
		pattern := math.Max(clamp01(float64(failureIndicators)/float64(failures)/2.0),
			shortfall(successRate, d.cfg.HandoverMinSuccessRate))
		tScore := math.Max(timingScore(in.Events, lastFailureIdx, 10), seqScore)

		confidence, breakdown := d.fuser.FuseWithFloor(pattern, statScore(a), tScore, handoverFailureFloor)
		out = append(out, d.anomaly(in, in.Events[lastFailureIdx].SourceIndex, models.CategoryHandover,
			"Handover Failure",
			fmt.Sprintf("Handover failures: %d/%d attempts", failures, attempts),
			confidence, breakdown,
			[]string{
				fmt.Sprintf("Failure indicators: %d", failureIndicators),
				fmt.Sprintf("Sequence anomalies near last failure: %d", len(seqs)),
				"Indicates UE mobility or inter-cell coordination issue",
			},
			in.Events[lastFailureIdx].Timestamp))
	}

	if a.Anomalous && successRate < d.cfg.HandoverMinSuccessRate {
		pattern := shortfall(successRate, d.cfg.HandoverMinSuccessRate)
		confidence, breakdown := d.fuser.FuseWithFloor(pattern, a.Deviation, d.temporalSupport(models.CategoryHandover), 0.70)
		out = append(out, d.anomaly(in, 0, models.CategoryHandover,
			"Low Handover Success Rate",
			fmt.Sprintf("Handover success rate %.1f%% (expected >%.0f%%)",
				successRate*100, d.cfg.HandoverMinSuccessRate*100),
			confidence, breakdown,
			[]string{
				fmt.Sprintf("Failures: %d/%d attempts", failures, attempts),
				fmt.Sprintf("Severity: %s", a.Severity),
				"Indicates systemic mobility or resource allocation issues",
			},
			eventTime(in, 0)))
	}

	if trend := d.trendAnomaly(in, models.CategoryHandover, "handover_success_rate", "Degrading Handover Success Trend"); trend != nil {
		out = append(out, *trend)
	}

	return out
}
