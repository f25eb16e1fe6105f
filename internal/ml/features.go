// Package ml implements the unsupervised four-model ensemble over windowed
// traffic features, plus the incremental model manager that retrains it as
// files accumulate.
package ml

import (
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ocdev21/l1sentry/internal/config"
	"github.com/ocdev21/l1sentry/internal/models"
)

// FeatureDim is the fixed dimensionality of a window feature vector.
const FeatureDim = 16

// Feature vector indices.
const (
	FeatDUCount = iota
	FeatRUCount
	FeatCommRatio
	FeatMissingResponses
	FeatAvgInterArrival
	FeatStdInterArrival
	FeatJitter
	FeatMaxGap
	FeatMinGap
	FeatAvgResponseTime
	FeatResponseViolations
	FeatAvgSize
	FeatStdSize
	FeatSizeVariance
	FeatPacketRate
	FeatTotalPackets
)

// responseViolationLimit is how long a RU response may lag a DU transmission
// before the window counts a timing violation.
const responseViolationLimit = time.Millisecond

// WindowMeta ties a feature vector back to its source records.
type WindowMeta struct {
	WindowIndex int
	PacketCount int
	StartRecord int
	EndRecord   int
	StartTime   time.Time
}

// Extractor buckets parsed events into fixed-duration windows and derives
// one feature vector per window.
type Extractor struct {
	duMAC  string
	ruMAC  string
	window time.Duration
}

// NewExtractor creates an extractor from the ensemble configuration.
func NewExtractor(cfg config.EnsembleConfig) *Extractor {
	window := cfg.FeatureWindow
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	return &Extractor{
		duMAC:  strings.ToLower(cfg.DUMAC),
		ruMAC:  strings.ToLower(cfg.RUMAC),
		window: window,
	}
}

// Windows groups events by feature window and returns one vector per
// non-empty window, ordered by window index.
func (e *Extractor) Windows(events []*models.ParsedEvent) ([][]float64, []WindowMeta) {
	if len(events) == 0 {
		return nil, nil
	}

	start := events[0].Timestamp
	buckets := make(map[int][]*models.ParsedEvent)
	maxIdx := 0
	for _, ev := range events {
		idx := 0
		if ev.Timestamp.After(start) {
			idx = int(ev.Timestamp.Sub(start) / e.window)
		}
		buckets[idx] = append(buckets[idx], ev)
		if idx > maxIdx {
			maxIdx = idx
		}
	}

	var features [][]float64
	var meta []WindowMeta
	for idx := 0; idx <= maxIdx; idx++ {
		windowEvents := buckets[idx]
		if len(windowEvents) == 0 {
			continue
		}
		features = append(features, e.windowVector(windowEvents))
		meta = append(meta, WindowMeta{
			WindowIndex: idx,
			PacketCount: len(windowEvents),
			StartRecord: windowEvents[0].SourceIndex,
			EndRecord:   windowEvents[len(windowEvents)-1].SourceIndex,
			StartTime:   windowEvents[0].Timestamp,
		})
	}
	return features, meta
}

// windowVector computes the 16 features for one window's events.
func (e *Extractor) windowVector(events []*models.ParsedEvent) []float64 {
	var (
		duCount, ruCount int
		interArrivals    []float64
		sizes            []float64
		duTimes, ruTimes []time.Time
	)

	var prev time.Time
	for _, ev := range events {
		src := strings.ToLower(ev.SrcMAC)
		switch src {
		case e.duMAC:
			duCount++
			duTimes = append(duTimes, ev.Timestamp)
		case e.ruMAC:
			ruCount++
			ruTimes = append(ruTimes, ev.Timestamp)
		}

		if !prev.IsZero() {
			if d := ev.Timestamp.Sub(prev).Seconds(); d > 0 {
				interArrivals = append(interArrivals, d)
			}
		}
		prev = ev.Timestamp

		sizes = append(sizes, float64(ev.PayloadLen))
	}

	commRatio := 0.0
	if duCount > 0 {
		commRatio = float64(ruCount) / float64(duCount)
	}
	missing := duCount - ruCount
	if missing < 0 {
		missing = 0
	}

	var avgIA, stdIA, maxGap, minGap float64
	if len(interArrivals) > 0 {
		avgIA = stat.Mean(interArrivals, nil)
		maxGap, minGap = interArrivals[0], interArrivals[0]
		for _, d := range interArrivals[1:] {
			if d > maxGap {
				maxGap = d
			}
			if d < minGap {
				minGap = d
			}
		}
	}
	if len(interArrivals) > 1 {
		stdIA = stat.PopStdDev(interArrivals, nil)
	}

	// Response time: for each DU transmission, the gap to the nearest
	// following RU packet.
	var avgResponse float64
	if len(duTimes) > 0 && len(ruTimes) > 0 {
		var gaps []float64
		for _, du := range duTimes {
			best := time.Duration(-1)
			for _, ru := range ruTimes {
				if ru.After(du) {
					if gap := ru.Sub(du); best < 0 || gap < best {
						best = gap
					}
				}
			}
			if best >= 0 {
				gaps = append(gaps, best.Seconds())
			}
		}
		if len(gaps) > 0 {
			avgResponse = stat.Mean(gaps, nil)
		}
	}
	violations := 0.0
	if avgResponse > responseViolationLimit.Seconds() {
		violations = 1.0
	}

	var avgSize, stdSize, sizeVar float64
	if len(sizes) > 0 {
		avgSize = stat.Mean(sizes, nil)
	}
	if len(sizes) > 1 {
		stdSize = stat.PopStdDev(sizes, nil)
		sizeVar = stdSize * stdSize
	}

	duration := 0.1
	if len(events) > 1 {
		if d := events[len(events)-1].Timestamp.Sub(events[0].Timestamp).Seconds(); d > 0 {
			duration = d
		}
	}
	packetRate := float64(len(events)) / duration

	return []float64{
		float64(duCount),
		float64(ruCount),
		commRatio,
		float64(missing),
		avgIA,
		stdIA,
		stdIA, // jitter is the inter-arrival stddev
		maxGap,
		minGap,
		avgResponse,
		violations,
		avgSize,
		stdSize,
		sizeVar,
		packetRate,
		float64(len(events)),
	}
}
