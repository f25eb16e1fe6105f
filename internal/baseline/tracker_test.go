package baseline

import (
	"math"
	"math/rand"
	"testing"

	"github.com/ocdev21/l1sentry/internal/config"
	"github.com/ocdev21/l1sentry/internal/models"
)

func testConfig() config.BaselineConfig {
	return config.BaselineConfig{WindowCapacity: 1000, MinSamples: 30, SigmaMultiplier: 2.0}
}

func TestColdStartUsesStaticDefault(t *testing.T) {
	tr := New(testConfig())

	threshold, ok := tr.AdaptiveThreshold(models.CategoryRACH, SignalAttemptCount)
	if !ok {
		t.Fatal("expected static default threshold")
	}
	if threshold != 10 {
		t.Errorf("expected default 10, got %v", threshold)
	}

	// A handful of samples stays below the floor.
	for i := 0; i < 29; i++ {
		tr.Observe(models.CategoryRACH, SignalAttemptCount, 5)
	}
	threshold, ok = tr.AdaptiveThreshold(models.CategoryRACH, SignalAttemptCount)
	if !ok || threshold != 10 {
		t.Errorf("expected default to hold below 30 samples, got %v (ok=%v)", threshold, ok)
	}

	// Cold rate ceilings match the configuration surface.
	if threshold, _ := tr.AdaptiveThreshold(models.CategoryHARQ, SignalRetxRate); threshold != 0.15 {
		t.Errorf("expected cold HARQ retx default 0.15, got %v", threshold)
	}
	if threshold, _ := tr.AdaptiveThreshold(models.CategoryPowerControl, SignalAdjustFreq); threshold != 0.20 {
		t.Errorf("expected cold power adjust-frequency default 0.20, got %v", threshold)
	}
}

func TestWarmTracksSampleFloor(t *testing.T) {
	tr := New(testConfig())

	if tr.Warm(models.CategoryHARQ, SignalRetxRate) {
		t.Fatal("expected cold signal before any observations")
	}
	for i := 0; i < 29; i++ {
		tr.Observe(models.CategoryHARQ, SignalRetxRate, 0.10)
	}
	if tr.Warm(models.CategoryHARQ, SignalRetxRate) {
		t.Fatal("expected cold signal below the sample floor")
	}
	tr.Observe(models.CategoryHARQ, SignalRetxRate, 0.10)
	if !tr.Warm(models.CategoryHARQ, SignalRetxRate) {
		t.Fatal("expected warm signal at the sample floor")
	}
}

func TestAdaptiveThresholdAfterWarmup(t *testing.T) {
	tr := New(testConfig())

	// Constant signal: threshold collapses to the mean.
	for i := 0; i < 30; i++ {
		tr.Observe(models.CategoryHARQ, SignalRetxRate, 0.10)
	}
	threshold, ok := tr.AdaptiveThreshold(models.CategoryHARQ, SignalRetxRate)
	if !ok {
		t.Fatal("expected adaptive threshold")
	}
	if math.Abs(threshold-0.10) > 1e-9 {
		t.Errorf("expected threshold 0.10, got %v", threshold)
	}
}

func TestAdaptiveThresholdMeanPlusTwoSigma(t *testing.T) {
	tr := New(testConfig())

	// Alternate 0 and 1: mean 0.5, population stddev 0.5.
	for i := 0; i < 100; i++ {
		tr.Observe(models.CategoryCRC, SignalErrorRate, float64(i%2))
	}
	threshold, ok := tr.AdaptiveThreshold(models.CategoryCRC, SignalErrorRate)
	if !ok {
		t.Fatal("expected adaptive threshold")
	}
	if math.Abs(threshold-1.5) > 1e-9 {
		t.Errorf("expected 0.5 + 2*0.5 = 1.5, got %v", threshold)
	}
}

func TestRollingWindowExactness(t *testing.T) {
	cfg := testConfig()
	cfg.WindowCapacity = 50
	tr := New(cfg)

	rng := rand.New(rand.NewSource(42))
	var all []float64
	for i := 0; i < 500; i++ {
		v := rng.Float64() * 100
		all = append(all, v)
		tr.Observe(models.CategoryFronthaul, SignalJitter, v)
	}

	stats, ok := tr.SignalStats(models.CategoryFronthaul, SignalJitter)
	if !ok {
		t.Fatal("expected stats")
	}
	if stats.Count != 50 {
		t.Fatalf("expected window count 50, got %d", stats.Count)
	}

	// Reference recomputation over the retained tail.
	tail := all[len(all)-50:]
	var sum float64
	for _, v := range tail {
		sum += v
	}
	mean := sum / 50
	var ss float64
	for _, v := range tail {
		ss += (v - mean) * (v - mean)
	}
	std := math.Sqrt(ss / 50)

	if math.Abs(stats.Mean-mean) > 1e-6 {
		t.Errorf("mean drifted: got %v, want %v", stats.Mean, mean)
	}
	if math.Abs(stats.StdDev-std) > 1e-6 {
		t.Errorf("stddev drifted: got %v, want %v", stats.StdDev, std)
	}
}

func TestAssessDirections(t *testing.T) {
	tr := New(testConfig())

	// Success-style signal alarms below threshold.
	a := tr.Assess(models.CategoryRACH, SignalSuccessRate, 0.50)
	if !a.Anomalous {
		t.Error("expected 0.50 success rate below default 0.80 to be anomalous")
	}
	a = tr.Assess(models.CategoryRACH, SignalSuccessRate, 0.95)
	if a.Anomalous {
		t.Error("expected 0.95 success rate to be normal")
	}

	// Count-style signal alarms above threshold.
	a = tr.Assess(models.CategoryRACH, SignalAttemptCount, 25)
	if !a.Anomalous {
		t.Error("expected 25 attempts above default 10 to be anomalous")
	}
	if a.Deviation <= 0 {
		t.Error("expected positive deviation score")
	}
}

func TestAssessSeverityScalesWithDeviation(t *testing.T) {
	tr := New(testConfig())

	// Warm baseline around 0.10 with some spread.
	for i := 0; i < 100; i++ {
		tr.Observe(models.CategoryHARQ, SignalRetxRate, 0.10+float64(i%5)*0.01)
	}

	mild := tr.Assess(models.CategoryHARQ, SignalRetxRate, 0.16)
	extreme := tr.Assess(models.CategoryHARQ, SignalRetxRate, 0.60)

	if !extreme.Anomalous {
		t.Fatal("expected extreme value to be anomalous")
	}
	if extreme.Deviation != 1.0 {
		t.Errorf("expected clamped deviation 1.0, got %v", extreme.Deviation)
	}
	if extreme.Severity != models.SeverityCritical {
		t.Errorf("expected critical severity, got %s", extreme.Severity)
	}
	if mild.Deviation >= extreme.Deviation {
		t.Errorf("expected mild deviation %v below extreme %v", mild.Deviation, extreme.Deviation)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.WindowCapacity = 10
	tr := New(cfg)

	for i := 0; i < 25; i++ {
		tr.Observe(models.CategoryRACH, SignalAttemptCount, float64(i))
		tr.Observe(models.CategoryCRC, SignalErrorRate, float64(i)*0.001)
	}

	cp := tr.Snapshot()
	if len(cp.Windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(cp.Windows))
	}
	for _, w := range cp.Windows {
		if len(w.Values) != 10 {
			t.Errorf("%s/%s: expected 10 retained values, got %d", w.Category, w.Signal, len(w.Values))
		}
	}

	restored := New(cfg)
	restored.Restore(cp)

	orig, _ := tr.SignalStats(models.CategoryRACH, SignalAttemptCount)
	got, ok := restored.SignalStats(models.CategoryRACH, SignalAttemptCount)
	if !ok {
		t.Fatal("expected restored stats")
	}
	if math.Abs(got.Mean-orig.Mean) > 1e-9 || math.Abs(got.StdDev-orig.StdDev) > 1e-9 {
		t.Errorf("restored stats diverge: got %+v, want %+v", got, orig)
	}
}

func TestResetClearsWindows(t *testing.T) {
	tr := New(testConfig())
	tr.Observe(models.CategoryRRC, SignalSuccessRate, 0.9)
	tr.Reset()

	if _, ok := tr.SignalStats(models.CategoryRRC, SignalSuccessRate); ok {
		t.Error("expected no stats after reset")
	}
}
