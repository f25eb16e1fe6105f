package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/ocdev21/l1sentry/internal/baseline"
	"github.com/ocdev21/l1sentry/internal/ml"
	"github.com/ocdev21/l1sentry/internal/models"
)

type ueSession struct {
	ueID   string
	events []*models.ParsedEvent

	attaches        int
	failedAttaches  int
	attachTimeouts  int
	abnormalDetach  int
	forcedDetach    int
	handoverFailure int
}

func (s *ueSession) failureCount() int {
	return s.failedAttaches + s.attachTimeouts + s.abnormalDetach + s.forcedDetach + s.handoverFailure
}

type ueEventDetector struct {
	deps
}

func (d *ueEventDetector) Category() models.Category { return models.CategoryUEEvent }

// Detect groups text-log events per UE and applies the session rules: any
// failure subtype, or an excessive attach count, flags the session at full
// confidence. The ensemble verdicts over the same file add pattern-level
// anomalies the rules cannot see.
func (d *ueEventDetector) Detect(in *Input) []models.AnomalyRecord {
	sessions := make(map[string]*ueSession)
	var order []string
	var failureTimes []time.Time

	for _, ev := range in.Events {
		if ev.UE == nil {
			continue
		}
		s, ok := sessions[ev.UE.UEID]
		if !ok {
			s = &ueSession{ueID: ev.UE.UEID}
			sessions[ev.UE.UEID] = s
			order = append(order, ev.UE.UEID)
		}
		s.events = append(s.events, ev)

		if ev.UE.EventType == models.UEEventAttach {
			s.attaches++
		}
		switch ev.UE.Subtype {
		case models.UESubtypeFailedAttach:
			s.failedAttaches++
		case models.UESubtypeAttachTimeout:
			s.attachTimeouts++
		case models.UESubtypeAbnormalDetach:
			s.abnormalDetach++
		case models.UESubtypeForcedDetach:
			s.forcedDetach++
		case models.UESubtypeHandoverFail:
			s.handoverFailure++
		}
		if ev.UE.Subtype != models.UESubtypeNormal {
			failureTimes = append(failureTimes, ev.Timestamp)
			d.temporal.RecordEvent(models.CategoryUEEvent, ev.Timestamp)
		}
	}

	var out []models.AnomalyRecord
	totalFailures := 0
	for _, id := range order {
		s := sessions[id]
		totalFailures += s.failureCount()
		if s.failureCount() == 0 && s.attaches <= d.cfg.UEMaxAttachAttempts {
			continue
		}

		var reasons []string
		if s.failedAttaches > 0 {
			reasons = append(reasons, fmt.Sprintf("attach rejected: %d", s.failedAttaches))
		}
		if s.attachTimeouts > 0 {
			reasons = append(reasons, fmt.Sprintf("attach timeout: %d", s.attachTimeouts))
		}
		if s.abnormalDetach > 0 {
			reasons = append(reasons, fmt.Sprintf("abnormal detach: %d", s.abnormalDetach))
		}
		if s.forcedDetach > 0 {
			reasons = append(reasons, fmt.Sprintf("forced detach: %d", s.forcedDetach))
		}
		if s.handoverFailure > 0 {
			reasons = append(reasons, fmt.Sprintf("handover failure: %d", s.handoverFailure))
		}
		if s.attaches > d.cfg.UEMaxAttachAttempts {
			reasons = append(reasons, fmt.Sprintf("excessive attach attempts: %d", s.attaches))
		}

		first := s.events[0]
		// Session rules are exact pattern matches; they carry full confidence.
		confidence, breakdown := d.fuser.FuseWithFloor(1.0,
			statScore(d.baseline.Assess(models.CategoryUEEvent, baseline.SignalFailureCount, float64(s.failureCount()))),
			d.temporalSupport(models.CategoryUEEvent),
			1.0)
		out = append(out, d.anomaly(in, first.SourceIndex, models.CategoryUEEvent,
			"UE Session Failure",
			fmt.Sprintf("UE %s: %s", s.ueID, strings.Join(reasons, ", ")),
			confidence, breakdown,
			[]string{
				fmt.Sprintf("Attach attempts: %d", s.attaches),
				fmt.Sprintf("Events in session: %d", len(s.events)),
				"Rule-based detection",
			},
			first.Timestamp))
	}

	if len(sessions) > 0 {
		d.baseline.Observe(models.CategoryUEEvent, baseline.SignalFailureCount, float64(totalFailures))
	}

	// ML pass over text-log feature windows, mirroring the fronthaul
	// detector's use of the ensemble on packet captures.
	if in.Format == models.FormatTextLog {
		for _, v := range in.Verdicts {
			if !v.Anomalous {
				continue
			}
			meta := in.Metas[v.WindowIndex]
			tScore := 0.5
			if v.WindowIndex < len(in.Features) && in.Features[v.WindowIndex][ml.FeatJitter] > 0.1 {
				tScore = 0.7
			}
			confidence, breakdown := d.fuser.FuseWithFloor(0, v.Confidence, tScore, v.Confidence)
			out = append(out, d.anomaly(in, meta.StartRecord, models.CategoryUEEvent,
				"UE Event Pattern Anomaly",
				fmt.Sprintf("Unusual UE event pattern in window %d (%d events)", v.WindowIndex, meta.PacketCount),
				confidence, breakdown,
				[]string{
					fmt.Sprintf("Ensemble vote: %d/4 models flagged", v.OutlierCount),
					fmt.Sprintf("Window records %d-%d", meta.StartRecord, meta.EndRecord),
				},
				meta.StartTime))
		}
	}

	if rate := d.temporal.AnalyzeRate(failureTimes); rate.Burst {
		confidence := rate.BurstConfidence()
		out = append(out, d.anomaly(in, 0, models.CategoryUEEvent,
			"UE Failure Burst",
			fmt.Sprintf("UE failure burst: %d failures in %.2fs", rate.TotalEvents, rate.Duration.Seconds()),
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
