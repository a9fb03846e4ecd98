// Package lof implements Local Outlier Factor anomaly detection in novelty
// mode: the fitted model retains its training neighborhood structure and
// scores unseen points against it. A point whose local density is low
// relative to its neighbors' scores as more anomalous.
package lof

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/hakro/netsentry/pkg/detectors"
)

// DefaultNeighbors matches the reference configuration (k = 20).
const DefaultNeighbors = 20

// checkEvery is the per-point batch size between context checks during fit.
const checkEvery = 256

// lrdFloor guards the density reciprocal when neighbors coincide exactly.
const lrdFloor = 1e-10

// LOF implements detectors.Detector via local density ratios.
type LOF struct {
	mu sync.RWMutex

	k             int
	contamination float64

	points    [][]float64 // training set, scaled space
	kDist     []float64   // k-distance of each training point
	lrd       []float64   // local reachability density of each training point
	neighbors [][]int     // k nearest training neighbors of each training point
	threshold float64
	dim       int
	trained   bool
}

// Option configures a LOF detector.
type Option func(*LOF)

// WithNeighbors sets k, the neighborhood size.
func WithNeighbors(k int) Option {
	return func(l *LOF) {
		if k > 0 {
			l.k = k
		}
	}
}

// WithContamination sets the assumed anomaly fraction used for threshold
// calibration.
func WithContamination(c float64) Option {
	return func(l *LOF) {
		l.contamination = c
	}
}

// New creates a LOF detector with the given options.
func New(opts ...Option) *LOF {
	l := &LOF{
		k:             DefaultNeighbors,
		contamination: detectors.DefaultConfig().Contamination,
		threshold:     0.5,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Kind reports the detector tag.
func (l *LOF) Kind() detectors.Kind { return detectors.KindLOF }

// MinSamples returns the smallest usable training set for this k: density
// needs strictly more points than neighbors.
func (l *LOF) MinSamples() int { return l.k + 1 }

// Fit stores the training set and precomputes each point's k-distance and
// local reachability density. The context is checked between point batches.
func (l *LOF) Fit(ctx context.Context, data [][]float64) error {
	if len(data) < l.k+1 {
		return fmt.Errorf("need more than %d samples for %d neighbors, got %d", l.k, l.k, len(data))
	}
	dim := len(data[0])
	for i, row := range data {
		if len(row) != dim {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), dim)
		}
	}

	n := len(data)
	points := make([][]float64, n)
	for i, row := range data {
		points[i] = append([]float64(nil), row...)
	}

	kDist := make([]float64, n)
	nbrs := make([][]int, n)
	nbrDists := make([][]float64, n)

	for i := 0; i < n; i++ {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		idx, dists := nearest(points, points[i], l.k, i)
		nbrs[i] = idx
		nbrDists[i] = dists
		kDist[i] = dists[len(dists)-1]
	}

	// lrd(p) = 1 / mean over neighbors o of reach-dist_k(p, o),
	// reach-dist_k(p, o) = max(k-distance(o), d(p, o)).
	lrd := make([]float64, n)
	for i := 0; i < n; i++ {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		lrd[i] = localReachDensity(nbrs[i], nbrDists[i], kDist)
	}

	l.mu.Lock()
	l.points = points
	l.kDist = kDist
	l.lrd = lrd
	l.neighbors = nbrs
	l.dim = dim
	l.trained = true
	l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		l.mu.Lock()
		l.trained = false
		l.mu.Unlock()
		return err
	}

	if l.contamination > 0 {
		scores := make([]float64, n)
		for i := range points {
			scores[i] = normalizeFactor(l.factorTrained(i))
		}
		sort.Float64s(scores)
		idx := int(float64(n-1) * (1 - l.contamination))
		l.mu.Lock()
		l.threshold = scores[idx]
		l.mu.Unlock()
	}
	return nil
}

// factorTrained computes the LOF of training point i against its own
// neighborhood.
func (l *LOF) factorTrained(i int) float64 {
	var sum float64
	for _, o := range l.neighbors[i] {
		sum += l.lrd[o]
	}
	mean := sum / float64(len(l.neighbors[i]))
	return mean / math.Max(l.lrd[i], lrdFloor)
}

// Score returns normalized anomaly scores in input order.
func (l *LOF) Score(data [][]float64) ([]float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.trained {
		return nil, errors.New("lof not trained")
	}
	scores := make([]float64, len(data))
	for i, sample := range data {
		if len(sample) != l.dim {
			return nil, fmt.Errorf("sample %d has %d features, model fitted on %d", i, len(sample), l.dim)
		}
		scores[i] = l.scoreOne(sample)
	}
	return scores, nil
}

// ScoreOne scores a single sample.
func (l *LOF) ScoreOne(sample []float64) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.trained {
		return 0, errors.New("lof not trained")
	}
	if len(sample) != l.dim {
		return 0, fmt.Errorf("sample has %d features, model fitted on %d", len(sample), l.dim)
	}
	return l.scoreOne(sample), nil
}

func (l *LOF) scoreOne(sample []float64) float64 {
	idx, dists := nearest(l.points, sample, l.k, -1)
	lrdQ := localReachDensity(idx, dists, l.kDist)

	var sum float64
	for _, o := range idx {
		sum += l.lrd[o]
	}
	factor := (sum / float64(len(idx))) / math.Max(lrdQ, lrdFloor)
	return normalizeFactor(factor)
}

// normalizeFactor maps the raw LOF ratio onto [0, 1]: a factor of 1 (density
// matching the neighborhood) maps to 0, factors growing without bound
// approach 1, and factors below 1 clamp to 0.
func normalizeFactor(factor float64) float64 {
	if factor <= 1 {
		return 0
	}
	return 1 - 1/factor
}

// Threshold returns the calibrated decision boundary.
func (l *LOF) Threshold() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.threshold
}

type lofState struct {
	K             int
	Contamination float64
	Threshold     float64
	Dim           int
	Points        [][]float64
	KDist         []float64
	LRD           []float64
	Neighbors     [][]int
}

// Save serializes the fitted model.
func (l *LOF) Save() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.trained {
		return nil, errors.New("lof not trained")
	}
	var buf bytes.Buffer
	state := lofState{
		K:             l.k,
		Contamination: l.contamination,
		Threshold:     l.threshold,
		Dim:           l.dim,
		Points:        l.points,
		KDist:         l.kDist,
		LRD:           l.lrd,
		Neighbors:     l.neighbors,
	}
	if err := gob.NewEncoder(&buf).Encode(&state); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load restores a model serialized by Save.
func (l *LOF) Load(data []byte) error {
	var state lofState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.k = state.K
	l.contamination = state.Contamination
	l.threshold = state.Threshold
	l.dim = state.Dim
	l.points = state.Points
	l.kDist = state.KDist
	l.lrd = state.LRD
	l.neighbors = state.Neighbors
	l.trained = true
	return nil
}

// localReachDensity computes 1 / mean reach-dist of a point to the given
// training neighbors.
func localReachDensity(nbrs []int, dists []float64, kDist []float64) float64 {
	var sum float64
	for j, o := range nbrs {
		reach := dists[j]
		if kDist[o] > reach {
			reach = kDist[o]
		}
		sum += reach
	}
	mean := sum / float64(len(nbrs))
	if mean < lrdFloor {
		mean = lrdFloor
	}
	return 1 / mean
}

// nearest returns the indices and distances of the k points in the training
// set closest to q, ascending by distance. exclude skips a self index
// (pass -1 for none).
func nearest(points [][]float64, q []float64, k, exclude int) ([]int, []float64) {
	type cand struct {
		idx  int
		dist float64
	}
	cands := make([]cand, 0, len(points))
	for i, p := range points {
		if i == exclude {
			continue
		}
		cands = append(cands, cand{idx: i, dist: floats.Distance(p, q, 2)})
	}
	sort.Slice(cands, func(a, b int) bool { return cands[a].dist < cands[b].dist })

	if k > len(cands) {
		k = len(cands)
	}
	idx := make([]int, k)
	dists := make([]float64, k)
	for i := 0; i < k; i++ {
		idx[i] = cands[i].idx
		dists[i] = cands[i].dist
	}
	return idx, dists
}
