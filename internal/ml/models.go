package ml

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Default model hyperparameters.
const (
	isoTreeCount      = 100
	isoSubsampleSize  = 256
	defaultContam     = 0.05
	dbscanEps         = 0.5
	dbscanMinPts      = 5
	lofMaxNeighbors   = 20
	lofMinScore       = 1.0
	modelRandomSeed   = 1
	boundaryNuDefault = 0.05
)

// IsolationForest isolates outliers by random axis-aligned splits: anomalous
// points take shorter paths to isolation. Serializable for persistence.
type IsolationForest struct {
	Trees         []*isoNode `json:"trees"`
	SubsampleSize int        `json:"subsample_size"`
	Contamination float64    `json:"contamination"`
	Threshold     float64    `json:"threshold"`
	Trained       bool       `json:"trained"`
}

type isoNode struct {
	SplitAttr  int      `json:"attr,omitempty"`
	SplitValue float64  `json:"value,omitempty"`
	Left       *isoNode `json:"left,omitempty"`
	Right      *isoNode `json:"right,omitempty"`
	Size       int      `json:"size,omitempty"` // external node sample count
	External   bool     `json:"external,omitempty"`
}

// NewIsolationForest returns an untrained forest with default parameters.
func NewIsolationForest() *IsolationForest {
	return &IsolationForest{
		SubsampleSize: isoSubsampleSize,
		Contamination: defaultContam,
	}
}

// Fit builds the forest and calibrates the decision threshold so the
// configured contamination fraction of the training data scores as outlier.
func (f *IsolationForest) Fit(samples [][]float64) {
	rng := rand.New(rand.NewSource(modelRandomSeed))

	psi := f.SubsampleSize
	if psi > len(samples) {
		psi = len(samples)
	}
	heightLimit := int(math.Ceil(math.Log2(math.Max(float64(psi), 2))))

	f.Trees = make([]*isoNode, 0, isoTreeCount)
	for t := 0; t < isoTreeCount; t++ {
		idx := rng.Perm(len(samples))[:psi]
		sub := make([][]float64, psi)
		for i, j := range idx {
			sub[i] = samples[j]
		}
		f.Trees = append(f.Trees, buildIsoTree(sub, 0, heightLimit, rng))
	}

	scores := make([]float64, len(samples))
	for i, x := range samples {
		scores[i] = f.Score(x)
	}
	f.Threshold = quantile(scores, 1-f.Contamination)
	f.Trained = true
}

// Score returns the anomaly score in (0,1); higher is more anomalous.
func (f *IsolationForest) Score(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var total float64
	for _, tree := range f.Trees {
		total += pathLength(tree, x, 0)
	}
	avgPath := total / float64(len(f.Trees))
	return math.Pow(2, -avgPath/averagePathLength(float64(f.SubsampleSize)))
}

// Predict reports whether x is an outlier under the calibrated threshold.
func (f *IsolationForest) Predict(x []float64) bool {
	return f.Trained && f.Score(x) > f.Threshold
}

func buildIsoTree(samples [][]float64, height, limit int, rng *rand.Rand) *isoNode {
	if height >= limit || len(samples) <= 1 {
		return &isoNode{External: true, Size: len(samples)}
	}

	dim := len(samples[0])
	attr := rng.Intn(dim)

	lo, hi := samples[0][attr], samples[0][attr]
	for _, s := range samples[1:] {
		lo = math.Min(lo, s[attr])
		hi = math.Max(hi, s[attr])
	}
	if lo == hi {
		return &isoNode{External: true, Size: len(samples)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, s := range samples {
		if s[attr] < split {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}

	return &isoNode{
		SplitAttr:  attr,
		SplitValue: split,
		Left:       buildIsoTree(left, height+1, limit, rng),
		Right:      buildIsoTree(right, height+1, limit, rng),
	}
}

func pathLength(node *isoNode, x []float64, depth float64) float64 {
	if node.External {
		return depth + averagePathLength(float64(node.Size))
	}
	if x[node.SplitAttr] < node.SplitValue {
		return pathLength(node.Left, x, depth+1)
	}
	return pathLength(node.Right, x, depth+1)
}

// averagePathLength is c(n), the expected path length of an unsuccessful BST
// search over n points.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	h := math.Log(n-1) + 0.5772156649
	return 2*h - 2*(n-1)/n
}

// OneClassBoundary learns a hypersphere around the training mass in scaled
// feature space; points outside the (1-nu) distance quantile are outliers.
type OneClassBoundary struct {
	Centroid []float64 `json:"centroid"`
	Radius   float64   `json:"radius"`
	Nu       float64   `json:"nu"`
	Trained  bool      `json:"trained"`
}

// NewOneClassBoundary returns an untrained boundary with default nu.
func NewOneClassBoundary() *OneClassBoundary {
	return &OneClassBoundary{Nu: boundaryNuDefault}
}

// Fit computes the centroid and calibrates the radius.
func (b *OneClassBoundary) Fit(samples [][]float64) {
	if len(samples) == 0 {
		return
	}
	dim := len(samples[0])
	b.Centroid = make([]float64, dim)
	for _, s := range samples {
		for j, v := range s {
			b.Centroid[j] += v
		}
	}
	for j := range b.Centroid {
		b.Centroid[j] /= float64(len(samples))
	}

	dists := make([]float64, len(samples))
	for i, s := range samples {
		dists[i] = euclidean(s, b.Centroid)
	}
	b.Radius = quantile(dists, 1-b.Nu)
	b.Trained = true
}

// Predict reports whether x falls outside the learned boundary.
func (b *OneClassBoundary) Predict(x []float64) bool {
	return b.Trained && euclidean(x, b.Centroid) > b.Radius
}

// Confidence scores how far outside the boundary x sits, as the fraction of
// its centroid distance that lies beyond the radius. Points inside score 0.
func (b *OneClassBoundary) Confidence(x []float64) float64 {
	if !b.Trained {
		return 0
	}
	dist := euclidean(x, b.Centroid)
	if dist <= b.Radius || dist == 0 {
		return 0
	}
	return (dist - b.Radius) / dist
}

// DensityClusterer is a DBSCAN-style clusterer applied fresh to each batch;
// noise points (label -1) are outliers.
type DensityClusterer struct {
	Eps    float64 `json:"eps"`
	MinPts int     `json:"min_pts"`
}

// NewDensityClusterer returns a clusterer with default parameters.
func NewDensityClusterer() *DensityClusterer {
	return &DensityClusterer{Eps: dbscanEps, MinPts: dbscanMinPts}
}

// FitPredict labels each sample with a cluster ID, or -1 for noise.
func (d *DensityClusterer) FitPredict(samples [][]float64) []int {
	const (
		unvisited = -2
		noise     = -1
	)
	labels := make([]int, len(samples))
	for i := range labels {
		labels[i] = unvisited
	}

	cluster := 0
	for i := range samples {
		if labels[i] != unvisited {
			continue
		}
		neighbors := d.regionQuery(samples, i)
		if len(neighbors) < d.MinPts {
			labels[i] = noise
			continue
		}

		labels[i] = cluster
		queue := append([]int(nil), neighbors...)
		for qi := 0; qi < len(queue); qi++ {
			j := queue[qi]
			if labels[j] == noise {
				labels[j] = cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			jn := d.regionQuery(samples, j)
			if len(jn) >= d.MinPts {
				queue = append(queue, jn...)
			}
		}
		cluster++
	}
	return labels
}

// NoiseConfidences scores each noise-labeled sample by its nearest-neighbor
// distance relative to eps, capped at 1. Clustered samples score 0.
func (d *DensityClusterer) NoiseConfidences(samples [][]float64, labels []int) []float64 {
	confs := make([]float64, len(samples))
	for i := range samples {
		if labels[i] != -1 {
			continue
		}
		nearest := math.Inf(1)
		for j := range samples {
			if j != i {
				nearest = math.Min(nearest, euclidean(samples[i], samples[j]))
			}
		}
		if math.IsInf(nearest, 1) {
			confs[i] = 1
			continue
		}
		confs[i] = math.Min(nearest/d.Eps, 1)
	}
	return confs
}

func (d *DensityClusterer) regionQuery(samples [][]float64, i int) []int {
	var out []int
	for j := range samples {
		if j != i && euclidean(samples[i], samples[j]) <= d.Eps {
			out = append(out, j)
		}
	}
	return out
}

// LocalOutlierScores computes the LOF score per sample with k neighbors.
// Scores well above 1 indicate points in sparser regions than their
// neighborhood.
func LocalOutlierScores(samples [][]float64, k int) []float64 {
	n := len(samples)
	if k >= n {
		k = n - 1
	}
	if k < 1 {
		return make([]float64, n)
	}

	type neighbor struct {
		idx  int
		dist float64
	}
	neighbors := make([][]neighbor, n)
	kDist := make([]float64, n)
	for i := 0; i < n; i++ {
		all := make([]neighbor, 0, n-1)
		for j := 0; j < n; j++ {
			if j != i {
				all = append(all, neighbor{j, euclidean(samples[i], samples[j])})
			}
		}
		sort.Slice(all, func(a, b int) bool { return all[a].dist < all[b].dist })
		neighbors[i] = all[:k]
		kDist[i] = all[k-1].dist
	}

	// Local reachability density. Coincident points get a large finite
	// density instead of dividing by zero.
	lrd := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum float64
		for _, nb := range neighbors[i] {
			sum += math.Max(kDist[nb.idx], nb.dist)
		}
		if sum < 1e-12 {
			sum = 1e-12
		}
		lrd[i] = float64(k) / sum
	}

	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum float64
		for _, nb := range neighbors[i] {
			sum += lrd[nb.idx]
		}
		scores[i] = sum / (float64(k) * lrd[i])
	}
	return scores
}

// LocalOutlierFlags marks the contamination fraction of samples with the
// highest LOF scores, restricted to scores above 1.
func LocalOutlierFlags(samples [][]float64, k int, contamination float64) []bool {
	scores := LocalOutlierScores(samples, k)
	flags := make([]bool, len(scores))
	if len(scores) == 0 {
		return flags
	}

	threshold := lofThreshold(scores, contamination)
	for i, s := range scores {
		flags[i] = s > threshold
	}
	return flags
}

// lofThreshold is the score cutoff for the contamination fraction, floored
// at the neutral LOF score of 1.
func lofThreshold(scores []float64, contamination float64) float64 {
	threshold := quantile(scores, 1-contamination)
	if threshold < lofMinScore {
		threshold = lofMinScore
	}
	return threshold
}

// lofConfidence maps a LOF score to [0,1): 0 at or below the neutral score,
// approaching 1 as the score grows.
func lofConfidence(score float64) float64 {
	if score <= lofMinScore {
		return 0
	}
	return 1 - lofMinScore/score
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// quantile returns the q-th quantile of values without mutating the input.
func quantile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.Empirical, sorted, nil)
}
