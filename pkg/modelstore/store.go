// Package modelstore persists fitted model bundles. A bundle is an opaque
// artifact keyed by model type and feature schema version; the detection
// engine writes one after training and reads it back at inference time.
package modelstore

import (
	"errors"
	"time"

	"github.com/hakro/netsentry/pkg/detectors"
	"github.com/hakro/netsentry/pkg/features"
)

// ErrNotFound indicates no bundle exists for the requested key.
var ErrNotFound = errors.New("model bundle not found")

// Bundle is a persisted fitted model plus the metadata needed to apply it
// safely: the schema version it was trained against and the scaler that
// standardized its training data.
type Bundle struct {
	ModelType     detectors.Kind
	SchemaVersion int
	Contamination float64
	Threshold     float64
	TrainedAt     time.Time
	Scaler        *features.Scaler
	Payload       []byte // detector Save() output
}

// Store is the persistence contract the engine depends on. Save must be
// atomic: a failed write never corrupts a previously stored bundle.
type Store interface {
	// Load returns the bundle for the given type and schema version, or
	// ErrNotFound.
	Load(kind detectors.Kind, schemaVersion int) (*Bundle, error)

	// Save persists the bundle, overwriting any prior bundle with the same
	// type and schema version.
	Save(b *Bundle) error
}
