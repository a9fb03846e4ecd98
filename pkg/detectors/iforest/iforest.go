// Package iforest implements Isolation Forest anomaly detection. Points
// that need fewer random partitions to isolate score as more anomalous.
package iforest

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hakro/netsentry/pkg/detectors"
)

// MinSamples is the smallest training set a fit accepts; isolation depth
// statistics below this are not meaningful.
const MinSamples = 10

// checkEvery is the tree-build batch size between context checks.
const checkEvery = 10

// Forest implements detectors.Detector using an ensemble of isolation trees.
type Forest struct {
	mu sync.RWMutex

	nTrees        int
	sampleSize    int
	contamination float64
	maxDepth      int
	rng           *rand.Rand

	trees         []*tree
	threshold     float64
	avgPathLength float64
	dim           int
	trained       bool
}

type tree struct {
	Root *node
}

type node struct {
	SplitFeature int
	SplitValue   float64
	Left         *node
	Right        *node
	Size         int // samples that reached this leaf
}

// Option configures a Forest.
type Option func(*Forest)

// WithTrees sets the ensemble size.
func WithTrees(n int) Option {
	return func(f *Forest) {
		if n > 0 {
			f.nTrees = n
		}
	}
}

// WithSampleSize sets the per-tree subsample size.
func WithSampleSize(n int) Option {
	return func(f *Forest) {
		if n > 0 {
			f.sampleSize = n
		}
	}
}

// WithContamination sets the assumed anomaly fraction used for threshold
// calibration.
func WithContamination(c float64) Option {
	return func(f *Forest) {
		f.contamination = c
	}
}

// WithSeed fixes the random source.
func WithSeed(seed int64) Option {
	return func(f *Forest) {
		f.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates a Forest with the given options.
func New(opts ...Option) *Forest {
	cfg := detectors.DefaultConfig()
	f := &Forest{
		nTrees:        100,
		sampleSize:    256,
		contamination: cfg.Contamination,
		threshold:     0.5,
		rng:           rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Kind reports the detector tag.
func (f *Forest) Kind() detectors.Kind { return detectors.KindIsolationForest }

// Fit builds the ensemble and calibrates the threshold at the
// (1 - contamination) percentile of training scores. The context is checked
// between tree batches; a cancelled fit leaves the forest untrained but
// otherwise intact.
func (f *Forest) Fit(ctx context.Context, data [][]float64) error {
	if len(data) < MinSamples {
		return fmt.Errorf("need at least %d samples, got %d", MinSamples, len(data))
	}
	dim := len(data[0])
	for i, row := range data {
		if len(row) != dim {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), dim)
		}
	}

	sampleSize := f.sampleSize
	if sampleSize > len(data) {
		sampleSize = len(data)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))

	f.mu.Lock()
	defer f.mu.Unlock()

	trees := make([]*tree, f.nTrees)
	for i := 0; i < f.nTrees; i++ {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		indices := f.rng.Perm(len(data))[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}
		trees[i] = &tree{Root: f.buildNode(sample, dim, 0, maxDepth)}
	}

	f.trees = trees
	f.maxDepth = maxDepth
	f.dim = dim
	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.trained = true

	if err := ctx.Err(); err != nil {
		f.trained = false
		return err
	}

	if f.contamination > 0 {
		scores := make([]float64, len(data))
		for i, sample := range data {
			scores[i] = f.scoreOne(sample)
		}
		f.threshold = percentile(scores, 1-f.contamination)
	}
	return nil
}

func (f *Forest) buildNode(data [][]float64, dim, depth, maxDepth int) *node {
	n := len(data)
	if depth >= maxDepth || n <= 1 {
		return &node{Size: n}
	}

	feature := f.rng.Intn(dim)
	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		if row[feature] < minVal {
			minVal = row[feature]
		}
		if row[feature] > maxVal {
			maxVal = row[feature]
		}
	}
	if minVal == maxVal {
		return &node{Size: n}
	}

	splitValue := minVal + f.rng.Float64()*(maxVal-minVal)
	var left, right [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &node{
		SplitFeature: feature,
		SplitValue:   splitValue,
		Left:         f.buildNode(left, dim, depth+1, maxDepth),
		Right:        f.buildNode(right, dim, depth+1, maxDepth),
	}
}

// Score returns normalized anomaly scores in input order.
func (f *Forest) Score(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, errors.New("isolation forest not trained")
	}

	scores := make([]float64, len(data))
	for i, sample := range data {
		if len(sample) != f.dim {
			return nil, fmt.Errorf("sample %d has %d features, model fitted on %d", i, len(sample), f.dim)
		}
		scores[i] = f.scoreOne(sample)
	}
	return scores, nil
}

// ScoreOne returns the anomaly score for a single sample.
func (f *Forest) ScoreOne(sample []float64) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return 0, errors.New("isolation forest not trained")
	}
	if len(sample) != f.dim {
		return 0, fmt.Errorf("sample has %d features, model fitted on %d", len(sample), f.dim)
	}
	return f.scoreOne(sample), nil
}

func (f *Forest) scoreOne(sample []float64) float64 {
	var totalPath float64
	for _, t := range f.trees {
		totalPath += pathLength(sample, t.Root, 0)
	}
	avgPath := totalPath / float64(len(f.trees))

	// s(x) = 2^(-E[h(x)] / c(n)), in (0, 1], higher = more anomalous.
	return math.Pow(2, -avgPath/f.avgPathLength)
}

func pathLength(sample []float64, n *node, depth int) float64 {
	if n.Left == nil && n.Right == nil {
		return float64(depth) + averagePathLength(float64(n.Size))
	}
	if sample[n.SplitFeature] < n.SplitValue {
		return pathLength(sample, n.Left, depth+1)
	}
	return pathLength(sample, n.Right, depth+1)
}

// averagePathLength is c(n), the expected path length of an unsuccessful
// BST search: 2*H(n-1) - 2*(n-1)/n with H approximated via ln + gamma.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

// Threshold returns the calibrated decision boundary.
func (f *Forest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

type forestState struct {
	NTrees        int
	SampleSize    int
	Contamination float64
	Threshold     float64
	AvgPathLength float64
	Dim           int
	Trees         []*tree
}

// Save serializes the fitted forest.
func (f *Forest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, errors.New("isolation forest not trained")
	}

	var buf bytes.Buffer
	state := forestState{
		NTrees:        f.nTrees,
		SampleSize:    f.sampleSize,
		Contamination: f.contamination,
		Threshold:     f.threshold,
		AvgPathLength: f.avgPathLength,
		Dim:           f.dim,
		Trees:         f.trees,
	}
	if err := gob.NewEncoder(&buf).Encode(&state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load restores a forest serialized by Save.
func (f *Forest) Load(data []byte) error {
	var state forestState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nTrees = state.NTrees
	f.sampleSize = state.SampleSize
	f.contamination = state.Contamination
	f.threshold = state.Threshold
	f.avgPathLength = state.AvgPathLength
	f.dim = state.Dim
	f.trees = state.Trees
	f.maxDepth = int(math.Ceil(math.Log2(float64(state.SampleSize))))
	f.trained = true
	return nil
}

// percentile returns the value at fraction p (0..1) of the sorted data.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
