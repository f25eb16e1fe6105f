package detect

import (
	"fmt"
	"math"
	"time"

	"github.com/ocdev21/l1sentry/internal/baseline"
	"github.com/ocdev21/l1sentry/internal/models"
)

// harqBurstConsecutive is the consecutive-retransmission count that marks a
// severe link-quality burst regardless of the overall rate.
const harqBurstConsecutive = 5

type harqDetector struct {
	deps
}

func (d *harqDetector) Category() models.Category { return models.CategoryHARQ }

// Detect tracks the HARQ retransmission rate and the longest consecutive
// retransmission run across the file.
func (d *harqDetector) Detect(in *Input) []models.AnomalyRecord {
	var out []models.AnomalyRecord
	total, retx, consecutive, maxConsecutive := 0, 0, 0, 0
	lastRetxIdx := 0
	var retxTimes []time.Time

	for _, ev := range in.Events {
		if !ev.Indicators.HasHARQ {
			continue
		}
		total++
		if ev.Indicators.Retransmission {
			retx++
			consecutive++
			if consecutive > maxConsecutive {
				maxConsecutive = consecutive
				lastRetxIdx = ev.SourceIndex
			}
			retxTimes = append(retxTimes, ev.Timestamp)
			d.temporal.RecordEvent(models.CategoryHARQ, ev.Timestamp)
		} else {
			consecutive = 0
		}
	}

	if total == 0 {
		return out
	}

	retxRate := float64(retx) / float64(total)
	d.baseline.Observe(models.CategoryHARQ, baseline.SignalRetxRate, retxRate)
	d.baseline.Observe(models.CategoryHARQ, baseline.SignalMaxConsecRetx, float64(maxConsecutive))

	// The configured rate ceiling governs until the baseline is warm enough
	// to hand out an adaptive threshold.
	threshold := d.cfg.HARQMaxRetxRate
	if d.baseline.Warm(models.CategoryHARQ, baseline.SignalRetxRate) {
		if t, ok := d.baseline.AdaptiveThreshold(models.CategoryHARQ, baseline.SignalRetxRate); ok {
			threshold = t
		}
	}

	if retxRate > threshold || maxConsecutive > d.cfg.HARQMaxConsecutiveRetx {
		a := d.baseline.Assess(models.CategoryHARQ, baseline.SignalRetxRate, retxRate)
		pattern := math.Max(overshoot(retxRate, threshold),
			overshoot(float64(maxConsecutive), float64(d.cfg.HARQMaxConsecutiveRetx)))
		tScore := 0.5
		if retx >= 3 {
			tScore = d.burstScore(retxTimes, 0.9)
		}

		confidence, breakdown := d.fuser.FuseWithFloor(pattern, a.Deviation, tScore, 0.70)
		out = append(out, d.anomaly(in, lastRetxIdx, models.CategoryHARQ,
			"Excessive HARQ Retransmissions",
			fmt.Sprintf("Retransmission rate %.1f%% (threshold %.1f%%)", retxRate*100, threshold*100),
			confidence, breakdown,
			[]string{
				fmt.Sprintf("Retransmissions: %d/%d HARQ packets", retx, total),
				fmt.Sprintf("Max consecutive retx: %d", maxConsecutive),
				fmt.Sprintf("Severity: %s", a.Severity),
				"Indicates poor radio quality, interference, or link budget issues",
			},
			eventTime(in, 0)))
	}

	if maxConsecutive >= harqBurstConsecutive {
		a := d.baseline.Assess(models.CategoryHARQ, baseline.SignalMaxConsecRetx, float64(maxConsecutive))
		confidence, breakdown := d.fuser.FuseWithFloor(1.0, a.Deviation, d.burstScore(retxTimes, 0.9), 0.85)
		out = append(out, d.anomaly(in, lastRetxIdx, models.CategoryHARQ,
			"HARQ Retransmission Burst",
			fmt.Sprintf("%d consecutive retransmissions", maxConsecutive),
			confidence, breakdown,
			[]string{
				"Severe radio link quality degradation detected",
				"May indicate deep fade, strong interference, or equipment malfunction",
			},
			eventTime(in, lastRetxIdx)))
	}

	return out
}
