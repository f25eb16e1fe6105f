package detect

import (
	"fmt"
	"math"
	"time"

	"github.com/ocdev21/l1sentry/internal/baseline"
	"github.com/ocdev21/l1sentry/internal/models"
)

// powerRateMinSample is the adjustment count below which the per-file
// adjustment frequency is too noisy to assess.
const powerRateMinSample = 50

const powerIssueFloor = 0.70

type powerControlDetector struct {
	deps
}

func (d *powerControlDetector) Category() models.Category { return models.CategoryPowerControl }

// Detect tracks TPC activity per file. Failure-marked or oversized
// adjustments emit one anomaly; given enough adjustments, an adjustment
// frequency past the adaptive or configured ceiling emits a second.
func (d *powerControlDetector) Detect(in *Input) []models.AnomalyRecord {
	var out []models.AnomalyRecord
	adjustments, issues, failureIndicators := 0, 0, 0
	oversized := 0
	maxDelta := 0.0
	lastIssueIdx := 0
	var issueTimes []time.Time

	for i, ev := range in.Events {
		if !ev.Indicators.HasPowerControl {
			continue
		}
		adjustments++
		if ev.Indicators.HasPowerDelta {
			delta := math.Abs(ev.Indicators.PowerDelta)
			d.baseline.Observe(models.CategoryPowerControl, baseline.SignalAvgPowerChange, delta)
			if delta > d.cfg.PowerDeltaThreshold {
				oversized++
				if delta > maxDelta {
					maxDelta = delta
				}
			}
		}
		if !ev.Indicators.HasFailure() && !(ev.Indicators.HasPowerDelta &&
			math.Abs(ev.Indicators.PowerDelta) > d.cfg.PowerDeltaThreshold) {
			continue
		}
		issues++
		failureIndicators += len(ev.Indicators.FailureIndicators)
		lastIssueIdx = i
		issueTimes = append(issueTimes, ev.Timestamp)
		d.temporal.RecordEvent(models.CategoryPowerControl, ev.Timestamp)
	}

	if issues > 0 {
		pattern := 0.6
		if failureIndicators > 0 {
			pattern = clamp01(float64(failureIndicators) / float64(issues) / 2.0)
		}
		typ, description := "Power Control Anomaly",
			fmt.Sprintf("Power control issues: %d/%d adjustments", issues, adjustments)
		if oversized > 0 {
			typ = "Abnormal Power Adjustment"
			description = fmt.Sprintf("Oversized power adjustments: %d, largest %.1f dB (limit %.1f dB)",
				oversized, maxDelta, d.cfg.PowerDeltaThreshold)
			pattern = math.Max(pattern, overshoot(maxDelta, d.cfg.PowerDeltaThreshold))
		}

		confidence, breakdown := d.fuser.FuseWithFloor(pattern, 0.5,
			timingScore(in.Events, lastIssueIdx, 5), powerIssueFloor)
		out = append(out, d.anomaly(in, in.Events[lastIssueIdx].SourceIndex, models.CategoryPowerControl,
			typ, description,
			confidence, breakdown,
			[]string{
				fmt.Sprintf("Failure indicators: %d", failureIndicators),
				"Indicates interference, fading, or aggressive TPC loops",
			},
			in.Events[lastIssueIdx].Timestamp))
	}

	if adjustments <= powerRateMinSample || len(in.Events) == 0 {
		return out
	}

	frequency := float64(adjustments) / float64(len(in.Events))
	a := d.baseline.Assess(models.CategoryPowerControl, baseline.SignalAdjustFreq, frequency)
	d.baseline.Observe(models.CategoryPowerControl, baseline.SignalAdjustFreq, frequency)

	if a.Anomalous && frequency > d.cfg.PowerMaxAdjustRate {
		tScore := 0.5
		if issues >= 3 {
			tScore = d.burstScore(issueTimes, 0.8)
		}
		pattern := overshoot(frequency, d.cfg.PowerMaxAdjustRate)

		confidence, breakdown := d.fuser.FuseWithFloor(pattern, a.Deviation, tScore, 0.65)
		out = append(out, d.anomaly(in, 0, models.CategoryPowerControl,
			"Excessive Power Control Activity",
			fmt.Sprintf("Power adjustments in %.1f%% of records (threshold %.1f%%)",
				frequency*100, d.cfg.PowerMaxAdjustRate*100),
			confidence, breakdown,
			[]string{
				fmt.Sprintf("Adjustments: %d over %d records", adjustments, len(in.Events)),
				fmt.Sprintf("Severity: %s", a.Severity),
				"Indicates unstable radio conditions or TPC oscillation",
			},
			eventTime(in, 0)))
	}

	return out
}
