package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/ocdev21/l1sentry/internal/config"
)

// ErrDimensionMismatch is returned when a feature vector does not have
// FeatureDim columns.
var ErrDimensionMismatch = errors.New("feature vector dimension mismatch")

// ErrTooFewWindows is returned when a batch is too small to score reliably.
var ErrTooFewWindows = errors.New("too few feature windows")

// minScoreWindows is the smallest batch the ensemble scores.
const minScoreWindows = 3

// Model names used in verdicts.
const (
	ModelIsolationForest = "isolation_forest"
	ModelOneClass        = "one_class_boundary"
	ModelDensity         = "density_cluster"
	ModelLOF             = "local_outlier_factor"
)

// ModelVote is one model's decision for one feature window.
type ModelVote struct {
	Model      string  `json:"model"`
	Outlier    bool    `json:"outlier"`
	Confidence float64 `json:"confidence"`
}

// Verdict is the ensemble's combined decision for one feature window.
type Verdict struct {
	WindowIndex  int
	Votes        []ModelVote
	OutlierCount int
	Anomalous    bool
	// Confidence is the mean confidence of the models that voted outlier;
	// zero when no model flags the window.
	Confidence float64
}

// VotedOutlier reports whether the named model flagged this window.
func (v Verdict) VotedOutlier(model string) bool {
	for _, mv := range v.Votes {
		if mv.Model == model {
			return mv.Outlier
		}
	}
	return false
}

// CombineVotes fuses per-model votes into the window decision: anomalous
// when at least threshold models flag it, confidence the mean over the
// flagging models.
func CombineVotes(votes []ModelVote, threshold int) (outliers int, anomalous bool, confidence float64) {
	var sum float64
	for _, v := range votes {
		if v.Outlier {
			outliers++
			sum += v.Confidence
		}
	}
	if outliers > 0 {
		confidence = math.Min(sum/float64(outliers), 1.0)
	}
	return outliers, outliers >= threshold, confidence
}

// Ensemble combines four unsupervised outlier models over scaled feature
// vectors. The forest, boundary, and scaler persist across batches; density
// clustering and LOF are recomputed per batch.
type Ensemble struct {
	Scaler   *StandardScaler   `json:"scaler"`
	Forest   *IsolationForest  `json:"forest"`
	Boundary *OneClassBoundary `json:"boundary"`
	Density  *DensityClusterer `json:"density"`
	Trained  bool              `json:"trained"`

	cfg config.EnsembleConfig
}

// NewEnsemble returns an untrained ensemble.
func NewEnsemble(cfg config.EnsembleConfig) *Ensemble {
	return &Ensemble{
		Scaler:   &StandardScaler{},
		Forest:   NewIsolationForest(),
		Boundary: NewOneClassBoundary(),
		Density:  NewDensityClusterer(),
		cfg:      cfg,
	}
}

// Train fits the scaler and the persistent models on a feature matrix.
func (e *Ensemble) Train(features [][]float64) error {
	if err := checkDimensions(features); err != nil {
		return err
	}
	if len(features) < minScoreWindows {
		return fmt.Errorf("%w: need %d, have %d", ErrTooFewWindows, minScoreWindows, len(features))
	}

	scaled := e.Scaler.FitTransform(features)
	e.Forest.Fit(scaled)
	e.Boundary.Fit(scaled)
	e.Trained = true
	return nil
}

// Score runs all four models over a batch. An untrained ensemble trains on
// the batch first (first-file bootstrap).
func (e *Ensemble) Score(features [][]float64) ([]Verdict, error) {
	if err := checkDimensions(features); err != nil {
		return nil, err
	}
	if len(features) < minScoreWindows {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrTooFewWindows, minScoreWindows, len(features))
	}

	if !e.Trained {
		if err := e.Train(features); err != nil {
			return nil, err
		}
	}
	scaled := e.Scaler.Transform(features)

	densityLabels := e.Density.FitPredict(scaled)
	densityConfs := e.Density.NoiseConfidences(scaled, densityLabels)

	k := lofMaxNeighbors
	if k > len(scaled) {
		k = len(scaled)
	}
	lofScores := LocalOutlierScores(scaled, k)
	lofCut := lofThreshold(lofScores, defaultContam)

	verdicts := make([]Verdict, len(scaled))
	for i, x := range scaled {
		votes := []ModelVote{
			{ModelIsolationForest, e.Forest.Predict(x), e.Forest.Score(x)},
			{ModelOneClass, e.Boundary.Predict(x), e.Boundary.Confidence(x)},
			{ModelDensity, densityLabels[i] == -1, densityConfs[i]},
			{ModelLOF, lofScores[i] > lofCut, lofConfidence(lofScores[i])},
		}
		outliers, anomalous, confidence := CombineVotes(votes, e.cfg.VoteThreshold)
		verdicts[i] = Verdict{
			WindowIndex:  i,
			Votes:        votes,
			OutlierCount: outliers,
			Anomalous:    anomalous,
			Confidence:   confidence,
		}
	}
	return verdicts, nil
}

func checkDimensions(features [][]float64) error {
	for i, row := range features {
		if len(row) != FeatureDim {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrDimensionMismatch, i, len(row), FeatureDim)
		}
	}
	return nil
}

// stateVersion guards persisted state against schema drift.
const stateVersion = 1

type ensembleState struct {
	Version  int               `json:"version"`
	Scaler   *StandardScaler   `json:"scaler"`
	Forest   *IsolationForest  `json:"forest"`
	Boundary *OneClassBoundary `json:"boundary"`
	Density  *DensityClusterer `json:"density"`
	Trained  bool              `json:"trained"`
}

// MarshalState serializes the trained model state as an opaque blob.
func (e *Ensemble) MarshalState() ([]byte, error) {
	return json.Marshal(ensembleState{
		Version:  stateVersion,
		Scaler:   e.Scaler,
		Forest:   e.Forest,
		Boundary: e.Boundary,
		Density:  e.Density,
		Trained:  e.Trained,
	})
}

// UnmarshalState restores model state from a blob produced by MarshalState.
func (e *Ensemble) UnmarshalState(data []byte) error {
	var st ensembleState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode ensemble state: %w", err)
	}
	if st.Version != stateVersion {
		return fmt.Errorf("ensemble state version %d, want %d", st.Version, stateVersion)
	}
	e.Scaler = st.Scaler
	e.Forest = st.Forest
	e.Boundary = st.Boundary
	e.Density = st.Density
	e.Trained = st.Trained
	return nil
}
