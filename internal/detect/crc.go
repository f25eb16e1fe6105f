package detect

import (
	"fmt"
	"time"

	"github.com/ocdev21/l1sentry/internal/baseline"
	"github.com/ocdev21/l1sentry/internal/models"
)

// crcRateMinSample is the packet count below which a file-level CRC error
// rate is too noisy to assess.
const crcRateMinSample = 100

const crcErrorFloor = 0.85

type crcDetector struct {
	deps
}

func (d *crcDetector) Category() models.Category { return models.CategoryCRC }

// Detect counts CRC-failed records per file. Any corruption emits one
// anomaly whose temporal component reflects burst clustering; given a large
// enough sample, a rate past the adaptive or configured ceiling emits a
// second.
func (d *crcDetector) Detect(in *Input) []models.AnomalyRecord {
	var out []models.AnomalyRecord
	checked, errors, errorIndicators := 0, 0, 0
	lastErrorIdx := 0
	var errorTimes []time.Time

	for i, ev := range in.Events {
		if !ev.Indicators.HasCRC {
			continue
		}
		checked++
		if len(ev.Indicators.ErrorIndicators) == 0 && !ev.Indicators.HasFailure() {
			continue
		}
		errors++
		errorIndicators += len(ev.Indicators.ErrorIndicators)
		lastErrorIdx = i
		errorTimes = append(errorTimes, ev.Timestamp)
		d.temporal.RecordEvent(models.CategoryCRC, ev.Timestamp)
	}

	if errors > 0 {
		rate := d.temporal.AnalyzeRate(errorTimes)
		tScore := timingScore(in.Events, lastErrorIdx, 5)
		if errors >= 3 && rate.Burst {
			tScore = 0.9
		}
		pattern := 0.8
		if errorIndicators > 0 {
			pattern = clamp01(float64(errorIndicators) / float64(errors) / 2.0)
		}
		details := []string{
			fmt.Sprintf("Corrupted records: %d/%d checked", errors, checked),
			"Likely caused by poor signal quality, interference, or equipment malfunction",
		}
		if rate.Burst {
			details = append(details,
				fmt.Sprintf("Error burst detected: severity %s, peak %.2f events/sec",
					rate.BurstSeverity, rate.MaxWindowRate))
		}

		confidence, breakdown := d.fuser.FuseWithFloor(pattern, 0.5, tScore, crcErrorFloor)
		out = append(out, d.anomaly(in, in.Events[lastErrorIdx].SourceIndex, models.CategoryCRC,
			"CRC Error",
			fmt.Sprintf("CRC check failures: %d, data corruption detected", errors),
			confidence, breakdown, details,
			in.Events[lastErrorIdx].Timestamp))
	}

	if checked <= crcRateMinSample {
		return out
	}

	errorRate := float64(errors) / float64(checked)
	per1000 := errorRate * 1000
	a := d.baseline.Assess(models.CategoryCRC, baseline.SignalErrorRate, errorRate)
	d.baseline.Observe(models.CategoryCRC, baseline.SignalErrorRate, errorRate)
	d.baseline.Observe(models.CategoryCRC, baseline.SignalErrorsPer1000, per1000)

	if a.Anomalous || errorRate > d.cfg.CRCMaxErrorRate {
		tScore := 0.5
		if errors >= 3 {
			tScore = d.burstScore(errorTimes, 0.9)
		}
		pattern := overshoot(errorRate, d.cfg.CRCMaxErrorRate)
		if p := overshoot(per1000, d.cfg.CRCPer1000Threshold); p > pattern {
			pattern = p
		}

		confidence, breakdown := d.fuser.FuseWithFloor(pattern, a.Deviation, tScore, 0.75)
		out = append(out, d.anomaly(in, 0, models.CategoryCRC,
			"High CRC Error Rate",
			fmt.Sprintf("CRC error rate %.2f%% (%.1f per 1000 packets)", errorRate*100, per1000),
			confidence, breakdown,
			[]string{
				fmt.Sprintf("Total errors: %d/%d packets", errors, checked),
				fmt.Sprintf("Severity: %s", a.Severity),
				"Indicates persistent signal quality or equipment issues",
			},
			eventTime(in, 0)))
	}

	return out
}
