package ml

import (
	"gonum.org/v1/gonum/stat"
)

// StandardScaler normalizes each feature column to zero mean and unit
// variance. Columns with zero variance pass through unscaled.
type StandardScaler struct {
	Means  []float64 `json:"means"`
	Stds   []float64 `json:"stds"`
	Fitted bool      `json:"fitted"`
}

// Fit learns column means and standard deviations from the sample matrix.
func (s *StandardScaler) Fit(samples [][]float64) {
	if len(samples) == 0 {
		return
	}
	dim := len(samples[0])
	s.Means = make([]float64, dim)
	s.Stds = make([]float64, dim)

	col := make([]float64, len(samples))
	for j := 0; j < dim; j++ {
		for i, row := range samples {
			col[i] = row[j]
		}
		s.Means[j] = stat.Mean(col, nil)
		s.Stds[j] = stat.PopStdDev(col, nil)
	}
	s.Fitted = true
}

// Transform scales each row in place-safe fashion, returning new slices.
func (s *StandardScaler) Transform(samples [][]float64) [][]float64 {
	out := make([][]float64, len(samples))
	for i, row := range samples {
		scaled := make([]float64, len(row))
		for j, v := range row {
			if j < len(s.Stds) && s.Stds[j] > 0 {
				scaled[j] = (v - s.Means[j]) / s.Stds[j]
			} else if j < len(s.Means) {
				scaled[j] = v - s.Means[j]
			} else {
				scaled[j] = v
			}
		}
		out[i] = scaled
	}
	return out
}

// FitTransform fits on the samples and returns them scaled.
func (s *StandardScaler) FitTransform(samples [][]float64) [][]float64 {
	s.Fit(samples)
	return s.Transform(samples)
}
