// Package detectors provides the unsupervised anomaly scorers used by the
// detection engine.
package detectors

import "context"

// Kind identifies a detector implementation. The values double as model
// selection tags and as model-store keys.
type Kind string

const (
	KindIsolationForest Kind = "isolation_forest"
	KindLOF             Kind = "local_outlier_factor"
)

// Detector is the common interface for anomaly scorers. Implementations fit
// on a training matrix and afterwards score unseen points (novelty mode).
type Detector interface {
	// Fit trains the detector. data is row-major: one sample per row, one
	// feature per column. Fit honors ctx between major fitting phases so a
	// long run can be abandoned without corrupting prior state.
	Fit(ctx context.Context, data [][]float64) error

	// Score returns per-sample anomaly scores normalized to [0, 1], higher
	// meaning more anomalous. Output order matches input order.
	Score(data [][]float64) ([]float64, error)

	// ScoreOne scores a single sample.
	ScoreOne(sample []float64) (float64, error)

	// Threshold is the decision boundary calibrated from the training
	// contamination; scores at or above it are anomalous.
	Threshold() float64

	// Kind reports the implementation tag.
	Kind() Kind

	// Save serializes the fitted state.
	Save() ([]byte, error)

	// Load restores fitted state produced by Save on the same Kind.
	Load(data []byte) error
}

// Config holds the knobs shared by all detectors.
type Config struct {
	// Contamination is the assumed fraction of anomalies in training data,
	// in (0, 0.5). It calibrates the decision threshold.
	Contamination float64
	// Seed fixes the random source for reproducible fits.
	Seed int64
}

// DefaultConfig returns the defaults used when a caller passes nothing.
func DefaultConfig() Config {
	return Config{
		Contamination: 0.1,
		Seed:          42,
	}
}
