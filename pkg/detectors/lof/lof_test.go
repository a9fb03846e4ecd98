package lof

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakro/netsentry/pkg/detectors"
)

func clusterData(n, features int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, n)
	for i := 0; i < n; i++ {
		data[i] = make([]float64, features)
		for j := 0; j < features; j++ {
			data[i][j] = rng.NormFloat64()
		}
	}
	return data
}

func TestNewLOF(t *testing.T) {
	l := New()
	assert.Equal(t, DefaultNeighbors, l.k)
	assert.Equal(t, detectors.KindLOF, l.Kind())
	assert.Equal(t, DefaultNeighbors+1, l.MinSamples())

	l = New(WithNeighbors(5), WithContamination(0.2))
	assert.Equal(t, 5, l.k)
	assert.Equal(t, 6, l.MinSamples())
}

func TestFitRejectsSmallSets(t *testing.T) {
	l := New(WithNeighbors(10))
	err := l.Fit(context.Background(), clusterData(10, 3, 1))
	assert.Error(t, err)

	err = l.Fit(context.Background(), clusterData(11, 3, 1))
	assert.NoError(t, err)
}

func TestFitRaggedRows(t *testing.T) {
	data := clusterData(30, 3, 1)
	data[12] = []float64{1.0}

	err := New(WithNeighbors(5)).Fit(context.Background(), data)
	assert.Error(t, err)
}

func TestFitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := New(WithNeighbors(5))
	err := l.Fit(ctx, clusterData(300, 3, 1))

	assert.ErrorIs(t, err, context.Canceled)
	_, scoreErr := l.ScoreOne([]float64{0, 0, 0})
	assert.Error(t, scoreErr)
}

func TestScoreOutliersHigher(t *testing.T) {
	l := New(WithNeighbors(10), WithContamination(0.1))
	require.NoError(t, l.Fit(context.Background(), clusterData(300, 3, 42)))

	inlier, err := l.ScoreOne([]float64{0.1, -0.2, 0.3})
	require.NoError(t, err)

	outlier, err := l.ScoreOne([]float64{50, 50, 50})
	require.NoError(t, err)

	assert.Greater(t, outlier, inlier)
	assert.Greater(t, outlier, 0.9, "a far point has near-zero local density")
	assert.GreaterOrEqual(t, inlier, 0.0)
	assert.LessOrEqual(t, inlier, 1.0)
}

func TestScoreBatch(t *testing.T) {
	l := New(WithNeighbors(10))
	require.NoError(t, l.Fit(context.Background(), clusterData(200, 4, 42)))

	test := clusterData(50, 4, 7)
	scores, err := l.Score(test)
	require.NoError(t, err)
	assert.Len(t, scores, len(test))
	for _, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}

	_, err = l.Score([][]float64{{1, 2}})
	assert.Error(t, err)
}

func TestScoreBeforeFit(t *testing.T) {
	l := New()
	_, err := l.Score([][]float64{{1, 2, 3}})
	assert.Error(t, err)
	_, err = l.ScoreOne([]float64{1, 2, 3})
	assert.Error(t, err)
}

func TestNormalizeFactor(t *testing.T) {
	assert.Equal(t, 0.0, normalizeFactor(0.5))
	assert.Equal(t, 0.0, normalizeFactor(1.0))
	assert.InDelta(t, 0.5, normalizeFactor(2.0), 1e-9)
	assert.InDelta(t, 0.9, normalizeFactor(10.0), 1e-9)
}

func TestThresholdCalibration(t *testing.T) {
	l := New(WithNeighbors(10), WithContamination(0.1))
	require.NoError(t, l.Fit(context.Background(), clusterData(500, 3, 42)))

	// The boundary sits near the 90th percentile of training self-scores.
	assert.Greater(t, l.Threshold(), 0.0)
	assert.Less(t, l.Threshold(), 1.0)
}

func TestSaveLoad(t *testing.T) {
	original := New(WithNeighbors(8), WithContamination(0.15))
	require.NoError(t, original.Fit(context.Background(), clusterData(150, 4, 42)))

	test := clusterData(30, 4, 9)
	originalScores, err := original.Score(test)
	require.NoError(t, err)

	blob, err := original.Save()
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	loaded := New()
	require.NoError(t, loaded.Load(blob))

	loadedScores, err := loaded.Score(test)
	require.NoError(t, err)
	assert.Equal(t, originalScores, loadedScores)
	assert.Equal(t, original.Threshold(), loaded.Threshold())
}

func TestSaveUntrained(t *testing.T) {
	_, err := New().Save()
	assert.Error(t, err)
}

func TestNearest(t *testing.T) {
	points := [][]float64{
		{0, 0},
		{1, 0},
		{5, 0},
		{0.5, 0},
	}
	idx, dists := nearest(points, []float64{0, 0}, 2, 0)
	require.Len(t, idx, 2)
	assert.Equal(t, []int{3, 1}, idx)
	assert.InDelta(t, 0.5, dists[0], 1e-9)
	assert.InDelta(t, 1.0, dists[1], 1e-9)
}

func BenchmarkScoreOne(b *testing.B) {
	l := New(WithNeighbors(20))
	l.Fit(context.Background(), clusterData(2000, 10, 42))
	sample := clusterData(1, 10, 3)[0]

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.ScoreOne(sample)
	}
}
