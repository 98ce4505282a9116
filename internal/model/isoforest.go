package model

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"energy-anomaly-alerts/internal/source"
)

const (
	// isoFeatures are power, hour of day and day of week.
	isoFeatures  = 3
	maxSubsample = 256

	eulerGamma = 0.5772156649015329
)

// OutlierOptions configure isolation forest training.
type OutlierOptions struct {
	Contamination float64
	Trees         int
	Seed          int64
}

// IsolationForest flags readings that isolate quickly under random
// partitioning. Scores above Threshold count as outliers.
type IsolationForest struct {
	TrainedAt     time.Time `json:"trained_at"`
	Trees         []Tree    `json:"trees"`
	SampleSize    int       `json:"sample_size"`
	Threshold     float64   `json:"threshold"`
	Contamination float64   `json:"contamination"`
	Seed          int64     `json:"seed"`
}

// Tree is a single isolation tree with nodes in a flat array.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// TreeNode is one split or leaf. Leaves have Left < 0.
type TreeNode struct {
	Feature int     `json:"feature"`
	Split   float64 `json:"split"`
	Left    int     `json:"left"`
	Right   int     `json:"right"`
	Size    int     `json:"size"`
}

// TrainIsolationForest fits a forest on minute readings. Training is
// deterministic for a fixed seed.
func TrainIsolationForest(readings []source.Reading, opts OutlierOptions, now time.Time) (*IsolationForest, error) {
	points := featurizeAll(readings)
	if len(points) < 2 {
		return nil, ErrTooFewSamples
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	sampleSize := maxSubsample
	if len(points) < sampleSize {
		sampleSize = len(points)
	}
	heightLimit := int(math.Ceil(math.Log2(float64(sampleSize))))

	trees := make([]Tree, opts.Trees)
	for i := range trees {
		trees[i] = buildTree(rng, subsample(rng, points, sampleSize), heightLimit)
	}

	f := &IsolationForest{
		TrainedAt:     now.UTC(),
		Trees:         trees,
		SampleSize:    sampleSize,
		Contamination: opts.Contamination,
		Seed:          opts.Seed,
	}

	scores := make([]float64, len(points))
	for i, p := range points {
		scores[i] = f.scorePoint(p)
	}
	sort.Float64s(scores)
	f.Threshold = stat.Quantile(1-opts.Contamination, stat.LinInterp, scores, nil)
	return f, nil
}

// Score returns the anomaly score of a reading in (0, 1). Higher means
// more isolated.
func (f *IsolationForest) Score(r source.Reading) float64 {
	return f.scorePoint(featurize(r))
}

// IsOutlier reports whether the reading scores above the trained threshold.
func (f *IsolationForest) IsOutlier(r source.Reading) bool {
	return f.Score(r) > f.Threshold
}

func (f *IsolationForest) scorePoint(p [isoFeatures]float64) float64 {
	if len(f.Trees) == 0 || f.SampleSize <= 1 {
		return 0
	}
	var sum float64
	for _, t := range f.Trees {
		sum += t.pathLength(p)
	}
	mean := sum / float64(len(f.Trees))
	return math.Pow(2, -mean/avgPathLength(f.SampleSize))
}

func (t Tree) pathLength(p [isoFeatures]float64) float64 {
	depth := 0.0
	idx := 0
	for {
		node := t.Nodes[idx]
		if node.Left < 0 {
			return depth + avgPathLength(node.Size)
		}
		if p[node.Feature] < node.Split {
			idx = node.Left
		} else {
			idx = node.Right
		}
		depth++
	}
}

// avgPathLength is the expected depth of an unsuccessful binary search
// over n points.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	h := math.Log(float64(n-1)) + eulerGamma
	return 2*h - 2*float64(n-1)/float64(n)
}

func featurize(r source.Reading) [isoFeatures]float64 {
	ts := r.Timestamp.UTC()
	return [isoFeatures]float64{
		r.ActivePowerKW,
		float64(ts.Hour()),
		float64((int(ts.Weekday()) + 6) % 7),
	}
}

func featurizeAll(readings []source.Reading) [][isoFeatures]float64 {
	points := make([][isoFeatures]float64, 0, len(readings))
	for _, r := range readings {
		if source.IsMissing(r.ActivePowerKW) {
			continue
		}
		points = append(points, featurize(r))
	}
	return points
}

func subsample(rng *rand.Rand, points [][isoFeatures]float64, n int) [][isoFeatures]float64 {
	if n >= len(points) {
		return points
	}
	sample := make([][isoFeatures]float64, n)
	for i, idx := range rng.Perm(len(points))[:n] {
		sample[i] = points[idx]
	}
	return sample
}

type treeBuilder struct {
	rng   *rand.Rand
	nodes []TreeNode
}

func buildTree(rng *rand.Rand, points [][isoFeatures]float64, heightLimit int) Tree {
	b := &treeBuilder{rng: rng}
	b.grow(points, 0, heightLimit)
	return Tree{Nodes: b.nodes}
}

func (b *treeBuilder) grow(points [][isoFeatures]float64, depth, limit int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, TreeNode{Left: -1, Right: -1, Size: len(points)})
	if depth >= limit || len(points) <= 1 {
		return idx
	}

	feature, split, ok := b.pickSplit(points)
	if !ok {
		return idx
	}

	var left, right [][isoFeatures]float64
	for _, p := range points {
		if p[feature] < split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}

	l := b.grow(left, depth+1, limit)
	r := b.grow(right, depth+1, limit)
	b.nodes[idx].Feature = feature
	b.nodes[idx].Split = split
	b.nodes[idx].Left = l
	b.nodes[idx].Right = r
	return idx
}

// pickSplit tries features in random order and returns a uniform split
// inside the first one with spread.
func (b *treeBuilder) pickSplit(points [][isoFeatures]float64) (int, float64, bool) {
	for _, f := range b.rng.Perm(isoFeatures) {
		lo, hi := points[0][f], points[0][f]
		for _, p := range points {
			if p[f] < lo {
				lo = p[f]
			}
			if p[f] > hi {
				hi = p[f]
			}
		}
		if hi > lo {
			return f, lo + b.rng.Float64()*(hi-lo), true
		}
	}
	return 0, 0, false
}
