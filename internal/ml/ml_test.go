package ml

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocdev21/l1sentry/internal/config"
	"github.com/ocdev21/l1sentry/internal/models"
)

const (
	testDUMAC = "00:11:22:33:44:67"
	testRUMAC = "6c:ad:ad:00:03:2a"
)

func ensembleConfig() config.EnsembleConfig {
	return config.EnsembleConfig{
		VoteThreshold:        1,
		RetrainFileThreshold: 10,
		RetrainTimeout:       30 * time.Second,
		FeatureWindow:        100 * time.Millisecond,
		DUMAC:                testDUMAC,
		RUMAC:                testRUMAC,
	}
}

func mkEvent(ts time.Time, srcMAC string, size int) *models.ParsedEvent {
	return &models.ParsedEvent{Timestamp: ts, SrcMAC: srcMAC, PayloadLen: size}
}

// clusterBatch returns n identical inlier vectors plus one extreme outlier.
func clusterBatch(n int) [][]float64 {
	batch := make([][]float64, 0, n+1)
	inlier := make([]float64, FeatureDim)
	for j := range inlier {
		inlier[j] = float64(j) // arbitrary fixed point
	}
	for i := 0; i < n; i++ {
		batch = append(batch, append([]float64(nil), inlier...))
	}
	outlier := make([]float64, FeatureDim)
	for j := range outlier {
		outlier[j] = float64(j) + 1000
	}
	return append(batch, outlier)
}

func TestExtractorWindowFeatures(t *testing.T) {
	base := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	events := []*models.ParsedEvent{
		mkEvent(base, testDUMAC, 100),
		mkEvent(base.Add(200*time.Microsecond), testRUMAC, 100),
		mkEvent(base.Add(10*time.Millisecond), testDUMAC, 100),
		mkEvent(base.Add(10*time.Millisecond+300*time.Microsecond), testRUMAC, 100),
		// Second window: a DU transmission with no response.
		mkEvent(base.Add(150*time.Millisecond), testDUMAC, 200),
	}
	for i, ev := range events {
		ev.SourceIndex = i
	}

	ext := NewExtractor(ensembleConfig())
	features, meta := ext.Windows(events)

	require.Len(t, features, 2)
	require.Len(t, meta, 2)

	first := features[0]
	assert.Equal(t, 2.0, first[FeatDUCount])
	assert.Equal(t, 2.0, first[FeatRUCount])
	assert.Equal(t, 1.0, first[FeatCommRatio])
	assert.Equal(t, 0.0, first[FeatMissingResponses])
	assert.Equal(t, 0.0, first[FeatResponseViolations], "sub-millisecond responses are not violations")
	assert.InDelta(t, 0.00025, first[FeatAvgResponseTime], 1e-9)
	assert.Equal(t, 4.0, first[FeatTotalPackets])

	second := features[1]
	assert.Equal(t, 1.0, second[FeatDUCount])
	assert.Equal(t, 0.0, second[FeatRUCount])
	assert.Equal(t, 0.0, second[FeatCommRatio])
	assert.Equal(t, 1.0, second[FeatMissingResponses])
	assert.Equal(t, 200.0, second[FeatAvgSize])

	assert.Equal(t, 0, meta[0].WindowIndex)
	assert.Equal(t, 1, meta[1].WindowIndex)
	assert.Equal(t, 4, meta[1].StartRecord, "meta points at the source record index")
}

func TestExtractorResponseViolation(t *testing.T) {
	base := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	events := []*models.ParsedEvent{
		mkEvent(base, testDUMAC, 100),
		mkEvent(base.Add(5*time.Millisecond), testRUMAC, 100),
	}

	features, _ := NewExtractor(ensembleConfig()).Windows(events)
	require.Len(t, features, 1)
	assert.Equal(t, 1.0, features[0][FeatResponseViolations], "5ms response exceeds the 1ms limit")
}

func TestStandardScaler(t *testing.T) {
	samples := [][]float64{{1, 5}, {2, 5}, {3, 5}}

	var s StandardScaler
	scaled := s.FitTransform(samples)

	assert.InDelta(t, 2.0, s.Means[0], 1e-9)
	// Column 1 has zero variance: values are centered but not divided.
	assert.InDelta(t, 0.0, s.Stds[1], 1e-9)
	assert.InDelta(t, 0.0, scaled[0][1], 1e-9)

	var mean float64
	for _, row := range scaled {
		mean += row[0]
	}
	assert.InDelta(t, 0.0, mean/3, 1e-9)
}

func TestIsolationForestFlagsOutlier(t *testing.T) {
	batch := clusterBatch(50)
	var s StandardScaler
	scaled := s.FitTransform(batch)

	f := NewIsolationForest()
	f.Fit(scaled)

	assert.True(t, f.Predict(scaled[len(scaled)-1]), "extreme point should isolate quickly")
	assert.False(t, f.Predict(scaled[0]), "cluster member should not exceed the threshold")
	assert.Greater(t, f.Score(scaled[len(scaled)-1]), f.Score(scaled[0]))
}

func TestOneClassBoundaryFlagsOutlier(t *testing.T) {
	batch := clusterBatch(50)
	var s StandardScaler
	scaled := s.FitTransform(batch)

	b := NewOneClassBoundary()
	b.Fit(scaled)

	assert.True(t, b.Predict(scaled[len(scaled)-1]))
	assert.False(t, b.Predict(scaled[0]))
}

func TestDensityClustererLabelsNoise(t *testing.T) {
	batch := clusterBatch(30)
	var s StandardScaler
	scaled := s.FitTransform(batch)

	labels := NewDensityClusterer().FitPredict(scaled)

	require.Len(t, labels, 31)
	assert.Equal(t, -1, labels[30], "isolated point is noise")
	for i := 0; i < 30; i++ {
		assert.Equal(t, 0, labels[i], "cluster members share one label")
	}
}

func TestLocalOutlierFlags(t *testing.T) {
	batch := clusterBatch(30)
	var s StandardScaler
	scaled := s.FitTransform(batch)

	flags := LocalOutlierFlags(scaled, 20, defaultContam)

	require.Len(t, flags, 31)
	assert.True(t, flags[30])
	for i := 0; i < 30; i++ {
		assert.False(t, flags[i])
	}
}

func TestEnsembleRejectsBadDimensions(t *testing.T) {
	e := NewEnsemble(ensembleConfig())

	_, err := e.Score([][]float64{{1, 2, 3}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = e.Score(clusterBatch(1)[:2])
	assert.ErrorIs(t, err, ErrTooFewWindows)
}

func TestCombineVotes(t *testing.T) {
	votes := []ModelVote{
		{ModelIsolationForest, true, 0.9},
		{ModelOneClass, false, 0.0},
		{ModelDensity, true, 0.7},
		{ModelLOF, false, 0.0},
	}

	outliers, anomalous, confidence := CombineVotes(votes, 1)
	assert.Equal(t, 2, outliers)
	assert.True(t, anomalous)
	assert.InDelta(t, 0.8, confidence, 1e-9, "confidence is the mean over flagging models")

	_, anomalous, _ = CombineVotes(votes, 3)
	assert.False(t, anomalous, "below the vote threshold")

	outliers, anomalous, confidence = CombineVotes(votes[1:2], 1)
	assert.Equal(t, 0, outliers)
	assert.False(t, anomalous)
	assert.Zero(t, confidence)
}

func TestEnsembleBootstrapAndVote(t *testing.T) {
	e := NewEnsemble(ensembleConfig())
	batch := clusterBatch(30)

	verdicts, err := e.Score(batch)
	require.NoError(t, err)
	require.Len(t, verdicts, 31)
	assert.True(t, e.Trained, "first batch trains the ensemble")

	outlier := verdicts[30]
	assert.True(t, outlier.Anomalous)
	assert.Equal(t, 4, outlier.OutlierCount, "all four models should agree on an extreme point")
	assert.Greater(t, outlier.Confidence, 0.75, "agreement on an extreme point carries high confidence")
	assert.LessOrEqual(t, outlier.Confidence, 1.0)

	for i := 0; i < 30; i++ {
		assert.False(t, verdicts[i].Anomalous, "window %d", i)
		assert.Equal(t, 0.0, verdicts[i].Confidence)
	}
}

func TestEnsembleStateRoundTrip(t *testing.T) {
	e := NewEnsemble(ensembleConfig())
	_, err := e.Score(clusterBatch(30))
	require.NoError(t, err)

	blob, err := e.MarshalState()
	require.NoError(t, err)

	restored := NewEnsemble(ensembleConfig())
	require.NoError(t, restored.UnmarshalState(blob))
	assert.True(t, restored.Trained)

	batch := clusterBatch(30)
	a, err := e.Score(batch)
	require.NoError(t, err)
	b, err := restored.Score(batch)
	require.NoError(t, err)
	for i := range a {
		assert.Equal(t, a[i].VotedOutlier(ModelIsolationForest), b[i].VotedOutlier(ModelIsolationForest), "window %d", i)
		assert.Equal(t, a[i].VotedOutlier(ModelOneClass), b[i].VotedOutlier(ModelOneClass), "window %d", i)
	}
}

func TestShouldRetrainBoundary(t *testing.T) {
	cfg := ensembleConfig()
	cfg.RetrainFileThreshold = 10
	m := NewManager(cfg, nil)

	assert.False(t, m.ShouldRetrain(9))
	assert.True(t, m.ShouldRetrain(10))
	assert.True(t, m.ShouldRetrain(11))
}

func TestManagerRetrainsAtThreshold(t *testing.T) {
	cfg := ensembleConfig()
	cfg.RetrainFileThreshold = 3
	m := NewManager(cfg, nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := m.ProcessFile(ctx, clusterBatch(30))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, m.FilesProcessed())
	assert.True(t, m.Trained())

	// Third file crosses the threshold: retrain and reset.
	_, err := m.ProcessFile(ctx, clusterBatch(30))
	require.NoError(t, err)
	assert.Equal(t, 0, m.FilesProcessed())
	assert.Equal(t, StateAccumulating, m.State())
}

func TestManagerRetrainFailureKeepsServingModels(t *testing.T) {
	cfg := ensembleConfig()
	cfg.RetrainFileThreshold = 2
	m := NewManager(cfg, nil)

	ctx := context.Background()
	_, err := m.ProcessFile(ctx, clusterBatch(30))
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	verdicts, err := m.ProcessFile(cancelled, clusterBatch(30))
	var retrainErr *RetrainError
	require.ErrorAs(t, err, &retrainErr)
	assert.NotEmpty(t, verdicts, "serving models still score the batch")
	assert.Equal(t, 2, m.FilesProcessed(), "counter is not reset on failure")
	assert.True(t, m.Trained())
}

func TestFileStoreRoundTripAndIntegrity(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save("blob.json", []byte(`{"a":1}`)))
	data, err := store.Load("blob.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	_, err = store.Load("missing.json")
	assert.ErrorIs(t, err, ErrNotFound)

	// Corrupt the payload: the checksum must catch it.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.json"), []byte(`{"a":2}`), 0o644))
	_, err = store.Load("blob.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestManagerPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	cfg := ensembleConfig()
	m1 := NewManager(cfg, store)
	_, err = m1.ProcessFile(context.Background(), clusterBatch(30))
	require.NoError(t, err)
	require.True(t, m1.Trained())

	m2 := NewManager(cfg, store)
	assert.True(t, m2.Trained(), "state restored from store")
	assert.Equal(t, 1, m2.FilesProcessed(), "accumulation counter restored")
}

func TestAveragePathLengthMonotone(t *testing.T) {
	if !(averagePathLength(256) > averagePathLength(16)) {
		t.Error("c(n) must grow with n")
	}
	if math.Abs(averagePathLength(2)-1) > 1e-9 {
		t.Error("c(2) must be 1")
	}
}

func TestCheckDimensions(t *testing.T) {
	good := make([]float64, FeatureDim)
	require.NoError(t, checkDimensions([][]float64{good}))

	bad := make([]float64, FeatureDim-1)
	err := checkDimensions([][]float64{good, bad})
	assert.True(t, errors.Is(err, ErrDimensionMismatch))
}
