package detect

import (
	"fmt"
	"math"
	"time"

	"github.com/ocdev21/l1sentry/internal/baseline"
	"github.com/ocdev21/l1sentry/internal/ml"
	"github.com/ocdev21/l1sentry/internal/models"
)

type fronthaulDetector struct {
	deps
}

func (d *fronthaulDetector) Category() models.Category { return models.CategoryFronthaul }

// Detect works per feature window: a window is flagged when either an
// explicit DU-RU rule fires (missing responses, depressed communication
// ratio, late responses) or the ensemble's vote reaches its threshold.
// The ensemble verdict feeds the statistical fusion slot.
func (d *fronthaulDetector) Detect(in *Input) []models.AnomalyRecord {
	if in.Format == models.FormatTextLog || len(in.Features) == 0 {
		return nil
	}

	verdictByWindow := make(map[int]ml.Verdict, len(in.Verdicts))
	for _, v := range in.Verdicts {
		verdictByWindow[v.WindowIndex] = v
	}

	var out []models.AnomalyRecord
	var flaggedTimes []time.Time
	for wi, feat := range in.Features {
		meta := in.Metas[wi]
		du := feat[ml.FeatDUCount]
		ru := feat[ml.FeatRUCount]
		commRatio := feat[ml.FeatCommRatio]
		missing := feat[ml.FeatMissingResponses]
		avgResponse := feat[ml.FeatAvgResponseTime]
		violations := feat[ml.FeatResponseViolations]

		d.baseline.Observe(models.CategoryFronthaul, baseline.SignalInterArrival, feat[ml.FeatAvgInterArrival])
		d.baseline.Observe(models.CategoryFronthaul, baseline.SignalJitter, feat[ml.FeatJitter])
		d.baseline.Observe(models.CategoryFronthaul, baseline.SignalPacketSize, feat[ml.FeatAvgSize])
		if du > 0 {
			d.baseline.Observe(models.CategoryFronthaul, baseline.SignalCommRatio, commRatio)
			d.baseline.Observe(models.CategoryFronthaul, baseline.SignalResponseTime, avgResponse)
		}

		maxResponse := d.cfg.FronthaulMaxResponseTime.Seconds()
		ruleScore := 0.0
		var ruleDetails []string
		if du > 0 && missing > 0 {
			ruleScore = math.Max(ruleScore, clamp01(missing/du))
			ruleDetails = append(ruleDetails, fmt.Sprintf("Missing RU responses: %.0f of %.0f DU messages", missing, du))
		}
		if du > 0 && commRatio < d.cfg.FronthaulMinCommRatio {
			ruleScore = math.Max(ruleScore, shortfall(commRatio, d.cfg.FronthaulMinCommRatio))
			ruleDetails = append(ruleDetails, fmt.Sprintf("DU-RU communication ratio %.2f (floor %.2f)", commRatio, d.cfg.FronthaulMinCommRatio))
		}
		if avgResponse > maxResponse || violations > 0 {
			ruleScore = math.Max(ruleScore, clamp01(0.5+overshoot(avgResponse, maxResponse)))
			ruleDetails = append(ruleDetails, fmt.Sprintf("Average RU response %.3fms (limit %.3fms), %d violations",
				avgResponse*1000, maxResponse*1000, int(violations)))
		}

		verdict, hasVerdict := verdictByWindow[wi]
		if ruleScore == 0 && !(hasVerdict && verdict.Anomalous) {
			continue
		}

		mlScore := 0.0
		if hasVerdict {
			mlScore = verdict.Confidence
		}
		tScore := 0.5
		if feat[ml.FeatJitter] > 0.1 {
			tScore += 0.2
		}
		if feat[ml.FeatMaxGap] > 1.0 {
			tScore += 0.3
		}

		floor := 0.0
		if hasVerdict && verdict.Anomalous {
			floor = verdict.Confidence
			ruleDetails = append(ruleDetails, fmt.Sprintf("Ensemble vote: %d/4 models flagged window %d", verdict.OutlierCount, wi))
		}
		confidence, breakdown := d.fuser.FuseWithFloor(ruleScore, mlScore, tScore, floor)
		flaggedTimes = append(flaggedTimes, meta.StartTime)
		d.temporal.RecordEvent(models.CategoryFronthaul, meta.StartTime)

		out = append(out, d.anomaly(in, meta.StartRecord, models.CategoryFronthaul,
			"Fronthaul DU-RU Anomaly",
			fmt.Sprintf("DU-RU communication anomaly in window %d (%d packets)", wi, meta.PacketCount),
			confidence, breakdown,
			append(ruleDetails,
				fmt.Sprintf("Window records %d-%d", meta.StartRecord, meta.EndRecord),
				fmt.Sprintf("DU packets: %.0f, RU packets: %.0f", du, ru)),
			meta.StartTime))
	}

	if rate := d.temporal.AnalyzeRate(flaggedTimes); rate.Burst {
		confidence := rate.BurstConfidence()
		out = append(out, d.anomaly(in, 0, models.CategoryFronthaul,
			"Fronthaul Traffic Burst",
			fmt.Sprintf("Fronthaul anomaly burst: %d flagged windows in %.2fs", rate.TotalEvents, rate.Duration.Seconds()),
			confidence,
			models.SignalBreakdown{Temporal: confidence},
			[]string{
				fmt.Sprintf("Burst severity: %s", rate.BurstSeverity),
				fmt.Sprintf("Peak rate: %.2f events/sec", rate.MaxWindowRate),
			},
			eventTime(in, 0)))
	}

	return out
}
