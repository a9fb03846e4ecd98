package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hakro/netsentry/pkg/detectors"
	"github.com/hakro/netsentry/pkg/features"
)

// AnomalyTypeEnsemble marks a result where more than one model triggered.
const AnomalyTypeEnsemble = "ensemble"

// maxAffectedFeatures bounds the ranked contribution list on a result.
const maxAffectedFeatures = 5

// FeatureContribution is one feature's share of an anomaly decision,
// ranked by standardized magnitude.
type FeatureContribution struct {
	Name  string
	Value float64 // z-score in the model's scaled space
}

// AnomalyResult is the decision record produced for a flagged input. The
// core creates it once; the Resolved flag is mutated later by an external
// workflow, never here.
type AnomalyResult struct {
	ID               string
	DeviceID         string
	Timestamp        time.Time
	AnomalyType      string // triggering model kind, or "ensemble"
	Score            float64
	ThresholdUsed    float64
	AffectedFeatures []FeatureContribution
	Description      string
	Resolved         bool
}

// Scored carries the per-model normalized scores for one input vector.
// A malformed vector keeps its position with Err set and no scores.
type Scored struct {
	Index  int
	Scores map[detectors.Kind]float64
	Err    error

	// Bundle state captured at scoring time, so decisions made later use
	// the same models that produced the scores even across a retrain.
	thresholds map[detectors.Kind]float64
	scalers    map[detectors.Kind]*features.Scaler
}

// Max returns the highest model score.
func (s *Scored) Max() float64 {
	var max float64
	for _, v := range s.Scores {
		if v > max {
			max = v
		}
	}
	return max
}

// Mean returns the average model score.
func (s *Scored) Mean() float64 {
	if len(s.Scores) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.Scores {
		sum += v
	}
	return sum / float64(len(s.Scores))
}

func newAnomalyID() string { return uuid.NewString() }

// rankContributions picks the top features by |z| from a scaled vector.
func rankContributions(names []string, scaled []float64) []FeatureContribution {
	contribs := make([]FeatureContribution, 0, len(scaled))
	for i, v := range scaled {
		if i < len(names) {
			contribs = append(contribs, FeatureContribution{Name: names[i], Value: v})
		}
	}
	sort.Slice(contribs, func(a, b int) bool {
		return abs(contribs[a].Value) > abs(contribs[b].Value)
	})
	if len(contribs) > maxAffectedFeatures {
		contribs = contribs[:maxAffectedFeatures]
	}
	return contribs
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func describe(anomalyType string, score, threshold float64) string {
	return fmt.Sprintf("%s score %.3f exceeded threshold %.2f", anomalyType, score, threshold)
}
