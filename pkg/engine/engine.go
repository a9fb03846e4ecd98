// Package engine trains and applies the dual-model anomaly scoring
// ensemble. It owns model lifecycle: fitting, bundle persistence, atomic
// promotion of freshly trained models, and per-record anomaly decisions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hakro/netsentry/pkg/detectors"
	"github.com/hakro/netsentry/pkg/detectors/iforest"
	"github.com/hakro/netsentry/pkg/detectors/lof"
	"github.com/hakro/netsentry/pkg/features"
	"github.com/hakro/netsentry/pkg/modelstore"
	"github.com/hakro/netsentry/pkg/traffic"
)

// Error taxonomy surfaced to callers.
var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInsufficientData = errors.New("insufficient training data")
	ErrModelNotTrained  = errors.New("model not trained")
)

// Selection names which model(s) an operation targets.
type Selection string

const (
	SelectIsolationForest Selection = Selection(detectors.KindIsolationForest)
	SelectLOF             Selection = Selection(detectors.KindLOF)
	SelectBoth            Selection = "both"
)

// ParseSelection validates a selection string.
func ParseSelection(s string) (Selection, error) {
	switch Selection(s) {
	case SelectIsolationForest, SelectLOF, SelectBoth:
		return Selection(s), nil
	default:
		return "", fmt.Errorf("%w: model selection %q", ErrInvalidParameter, s)
	}
}

func (s Selection) kinds() []detectors.Kind {
	switch s {
	case SelectBoth:
		return []detectors.Kind{detectors.KindIsolationForest, detectors.KindLOF}
	default:
		return []detectors.Kind{detectors.Kind(s)}
	}
}

// FusionPolicy controls how two model scores combine into one decision when
// both models are selected.
type FusionPolicy string

const (
	// FusionOR flags when either model exceeds the threshold. It favors
	// recall: the two models catch different anomaly shapes, and missing
	// either class costs more than a false positive here.
	FusionOR FusionPolicy = "or"
	// FusionAND flags only when both models exceed the threshold.
	FusionAND FusionPolicy = "and"
	// FusionWeighted thresholds the mean of the two scores.
	FusionWeighted FusionPolicy = "weighted"
)

// ParseFusionPolicy validates a fusion policy string.
func ParseFusionPolicy(s string) (FusionPolicy, error) {
	switch FusionPolicy(s) {
	case FusionOR, FusionAND, FusionWeighted:
		return FusionPolicy(s), nil
	default:
		return "", fmt.Errorf("%w: fusion policy %q", ErrInvalidParameter, s)
	}
}

// Status is the engine lifecycle state.
type Status string

const (
	StatusUntrained  Status = "untrained"
	StatusTraining   Status = "training"
	StatusReady      Status = "ready"
	StatusRetraining Status = "retraining"
)

// DefaultThreshold is the decision threshold applied when the caller passes
// none.
const DefaultThreshold = 0.7

// modelSet is an immutable snapshot of ready models. Scoring reads whichever
// snapshot is current; training builds a new one and swaps it in atomically,
// so readers never observe a partially updated model.
type modelSet struct {
	models map[detectors.Kind]readyModel
}

type readyModel struct {
	detector detectors.Detector
	bundle   *modelstore.Bundle
}

// Option configures an Engine.
type Option func(*Engine)

// WithFusion sets the ensemble fusion policy (default OR).
func WithFusion(p FusionPolicy) Option {
	return func(e *Engine) { e.fusion = p }
}

// WithIsolationTrees sets the isolation forest ensemble size.
func WithIsolationTrees(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.iforestTrees = n
		}
	}
}

// WithIsolationSampleSize sets the isolation forest per-tree subsample.
func WithIsolationSampleSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.iforestSample = n
		}
	}
}

// WithLOFNeighbors sets k for the local outlier factor model.
func WithLOFNeighbors(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.lofNeighbors = k
		}
	}
}

// WithMinTrainingSamples raises the minimum viable training set size.
func WithMinTrainingSamples(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.minSamples = n
		}
	}
}

// WithSeed fixes the random source for reproducible training.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.seed = seed }
}

// Engine is the detection core. It is safe for concurrent use: scoring
// reads an atomic snapshot of ready models while training prepares the next
// one.
type Engine struct {
	store modelstore.Store
	log   *zap.Logger

	fusion        FusionPolicy
	iforestTrees  int
	iforestSample int
	lofNeighbors  int
	minSamples    int
	seed          int64

	ready    atomic.Pointer[modelSet]
	trainMu  sync.Mutex // single writer per engine
	training atomic.Bool
}

// New creates an engine backed by the given model store.
func New(store modelstore.Store, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:         store,
		log:           logger,
		fusion:        FusionOR,
		iforestTrees:  100,
		iforestSample: 256,
		lofNeighbors:  lof.DefaultNeighbors,
		minSamples:    100,
		seed:          42,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ready.Store(&modelSet{models: map[detectors.Kind]readyModel{}})
	return e
}

// LoadModels restores previously persisted bundles for the current feature
// schema version. Missing bundles are not an error; the engine simply stays
// untrained for those kinds.
func (e *Engine) LoadModels() error {
	set := &modelSet{models: map[detectors.Kind]readyModel{}}
	for _, kind := range []detectors.Kind{detectors.KindIsolationForest, detectors.KindLOF} {
		bundle, err := e.store.Load(kind, features.SchemaVersion)
		if err != nil {
			if errors.Is(err, modelstore.ErrNotFound) {
				continue
			}
			return fmt.Errorf("load %s: %w", kind, err)
		}
		det, err := e.restore(bundle)
		if err != nil {
			return fmt.Errorf("restore %s: %w", kind, err)
		}
		set.models[kind] = readyModel{detector: det, bundle: bundle}
		e.log.Info("model loaded",
			zap.String("model", string(kind)),
			zap.Int("schema_version", bundle.SchemaVersion),
			zap.Time("trained_at", bundle.TrainedAt))
	}
	e.ready.Store(set)
	return nil
}

func (e *Engine) restore(b *modelstore.Bundle) (detectors.Detector, error) {
	var det detectors.Detector
	switch b.ModelType {
	case detectors.KindIsolationForest:
		det = iforest.New()
	case detectors.KindLOF:
		det = lof.New()
	default:
		return nil, fmt.Errorf("unknown model type %q", b.ModelType)
	}
	if err := det.Load(b.Payload); err != nil {
		return nil, err
	}
	return det, nil
}

// Status reports the engine lifecycle state.
func (e *Engine) Status() Status {
	hasModels := len(e.ready.Load().models) > 0
	switch {
	case e.training.Load() && hasModels:
		return StatusRetraining
	case e.training.Load():
		return StatusTraining
	case hasModels:
		return StatusReady
	default:
		return StatusUntrained
	}
}

// ModelInfo describes one ready model.
type ModelInfo struct {
	ModelType     detectors.Kind
	TrainedAt     time.Time
	SchemaVersion int
	Contamination float64
	// Threshold is the model's own contamination-calibrated boundary,
	// used when a caller passes no explicit threshold.
	Threshold float64
}

// ModelInfos returns metadata for every ready model.
func (e *Engine) ModelInfos() []ModelInfo {
	set := e.ready.Load()
	infos := make([]ModelInfo, 0, len(set.models))
	for _, kind := range []detectors.Kind{detectors.KindIsolationForest, detectors.KindLOF} {
		if m, ok := set.models[kind]; ok {
			infos = append(infos, ModelInfo{
				ModelType:     kind,
				TrainedAt:     m.bundle.TrainedAt,
				SchemaVersion: m.bundle.SchemaVersion,
				Contamination: m.bundle.Contamination,
				Threshold:     m.bundle.Threshold,
			})
		}
	}
	return infos
}

// TrainReport summarizes a training run.
type TrainReport struct {
	Trained  []ModelInfo
	Samples  int
	Rejected int // malformed vectors dropped before fitting
}

// Train fits the selected model(s) on the given feature vectors, persists
// the resulting bundles, and atomically promotes them for scoring. A failed
// or cancelled run leaves the previously ready models untouched.
func (e *Engine) Train(ctx context.Context, vectors [][]float64, contamination float64, sel Selection) (*TrainReport, error) {
	if contamination <= 0 || contamination >= 0.5 {
		return nil, fmt.Errorf("%w: contamination %v not in (0, 0.5)", ErrInvalidParameter, contamination)
	}
	if _, err := ParseSelection(string(sel)); err != nil {
		return nil, err
	}

	clean, rejected := filterVectors(vectors)
	min := e.minTrainingSamples(sel)
	if len(clean) < min {
		return nil, fmt.Errorf("%w: %d usable samples, need at least %d", ErrInsufficientData, len(clean), min)
	}

	e.trainMu.Lock()
	defer e.trainMu.Unlock()
	e.training.Store(true)
	defer e.training.Store(false)

	e.log.Info("training started",
		zap.String("selection", string(sel)),
		zap.Int("samples", len(clean)),
		zap.Int("rejected", rejected),
		zap.Float64("contamination", contamination))

	scaler, err := features.FitScaler(clean)
	if err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	scaled, err := scaler.TransformAll(clean)
	if err != nil {
		return nil, fmt.Errorf("scale training data: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trainedAt := time.Now().UTC()
	next := e.cloneReady()
	report := &TrainReport{Samples: len(clean), Rejected: rejected}

	for _, kind := range sel.kinds() {
		det := e.newDetector(kind, contamination)
		if err := det.Fit(ctx, scaled); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("fit %s: %w", kind, err)
		}

		payload, err := det.Save()
		if err != nil {
			return nil, fmt.Errorf("serialize %s: %w", kind, err)
		}
		bundle := &modelstore.Bundle{
			ModelType:     kind,
			SchemaVersion: features.SchemaVersion,
			Contamination: contamination,
			Threshold:     det.Threshold(),
			TrainedAt:     trainedAt,
			Scaler:        scaler,
			Payload:       payload,
		}
		if err := e.store.Save(bundle); err != nil {
			// The prior bundle on disk is intact; nothing was promoted.
			return nil, fmt.Errorf("persist %s: %w", kind, err)
		}

		next.models[kind] = readyModel{detector: det, bundle: bundle}
		report.Trained = append(report.Trained, ModelInfo{
			ModelType:     kind,
			TrainedAt:     trainedAt,
			SchemaVersion: features.SchemaVersion,
			Contamination: contamination,
			Threshold:     det.Threshold(),
		})
		e.log.Info("model trained",
			zap.String("model", string(kind)),
			zap.Float64("threshold", det.Threshold()))
	}

	// All requested bundles persisted; publish the new snapshot.
	e.ready.Store(next)
	return report, nil
}

// Retrain re-fits on fresh data. It is safe while Score runs concurrently:
// scoring keeps using the previous snapshot until the swap.
func (e *Engine) Retrain(ctx context.Context, vectors [][]float64, contamination float64, sel Selection) (*TrainReport, error) {
	return e.Train(ctx, vectors, contamination, sel)
}

func (e *Engine) newDetector(kind detectors.Kind, contamination float64) detectors.Detector {
	switch kind {
	case detectors.KindLOF:
		return lof.New(
			lof.WithNeighbors(e.lofNeighbors),
			lof.WithContamination(contamination),
		)
	default:
		return iforest.New(
			iforest.WithTrees(e.iforestTrees),
			iforest.WithSampleSize(e.iforestSample),
			iforest.WithContamination(contamination),
			iforest.WithSeed(e.seed),
		)
	}
}

func (e *Engine) minTrainingSamples(sel Selection) int {
	min := e.minSamples
	if min < iforest.MinSamples {
		min = iforest.MinSamples
	}
	if sel == SelectLOF || sel == SelectBoth {
		if n := e.lofNeighbors + 1; n > min {
			min = n
		}
	}
	return min
}

func (e *Engine) cloneReady() *modelSet {
	cur := e.ready.Load()
	next := &modelSet{models: make(map[detectors.Kind]readyModel, len(cur.models))}
	for k, v := range cur.models {
		next.models[k] = v
	}
	return next
}

// Score computes per-model normalized scores for each vector using the
// current ready snapshot. Output order matches input order; malformed
// vectors keep their position with Err set. A requested model without a
// ready bundle fails the call with ErrModelNotTrained.
func (e *Engine) Score(ctx context.Context, vectors [][]float64, sel Selection) ([]Scored, error) {
	if _, err := ParseSelection(string(sel)); err != nil {
		return nil, err
	}
	set := e.ready.Load()

	kinds := sel.kinds()
	thresholds := make(map[detectors.Kind]float64, len(kinds))
	scalers := make(map[detectors.Kind]*features.Scaler, len(kinds))
	for _, kind := range kinds {
		m, ok := set.models[kind]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrModelNotTrained, kind)
		}
		thresholds[kind] = m.bundle.Threshold
		scalers[kind] = m.bundle.Scaler
	}

	out := make([]Scored, len(vectors))
	for i, vec := range vectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i].Index = i
		out[i].thresholds = thresholds
		out[i].scalers = scalers

		scores := make(map[detectors.Kind]float64, len(kinds))
		var vecErr error
		for _, kind := range kinds {
			// Each model scores in its own training-time scaled space; the
			// bundles may come from separate training runs.
			scaled, err := checkAndScale(scalers[kind], vec)
			if err != nil {
				vecErr = err
				break
			}
			score, err := set.models[kind].detector.ScoreOne(scaled)
			if err != nil {
				vecErr = err
				break
			}
			scores[kind] = score
		}
		if vecErr != nil {
			out[i].Err = vecErr
			continue
		}
		out[i].Scores = scores
	}
	return out, nil
}

func checkAndScale(scaler *features.Scaler, vec []float64) ([]float64, error) {
	if len(vec) != scaler.Dim() {
		return nil, fmt.Errorf("vector has %d features, want %d", len(vec), scaler.Dim())
	}
	for j, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("feature %d is not finite", j)
		}
	}
	return scaler.Transform(vec)
}

// Decide applies the threshold and fusion policy to one scored vector,
// producing an AnomalyResult when it is flagged and nil otherwise.
// A threshold of zero selects each model's own calibrated boundary.
func (e *Engine) Decide(rec *traffic.Record, s *Scored, threshold float64) (*AnomalyResult, error) {
	if threshold < 0 || threshold >= 1 {
		return nil, fmt.Errorf("%w: threshold %v not in [0, 1)", ErrInvalidParameter, threshold)
	}
	if s.Err != nil || len(s.Scores) == 0 {
		return nil, nil
	}

	// Boundaries come from the snapshot captured when the vector was scored,
	// so a concurrent retrain cannot mix bundles within one decision.
	boundary := func(kind detectors.Kind) float64 {
		if threshold > 0 {
			return threshold
		}
		if t, ok := s.thresholds[kind]; ok {
			return t
		}
		return DefaultThreshold
	}

	var triggered []detectors.Kind
	for _, kind := range []detectors.Kind{detectors.KindIsolationForest, detectors.KindLOF} {
		if score, ok := s.Scores[kind]; ok && score >= boundary(kind) {
			triggered = append(triggered, kind)
		}
	}

	var flagged bool
	var resultScore float64
	anomalyType := ""

	if len(s.Scores) == 1 {
		flagged = len(triggered) == 1
		if flagged {
			anomalyType = string(triggered[0])
			resultScore = s.Scores[triggered[0]]
		}
	} else {
		switch e.fusion {
		case FusionAND:
			flagged = len(triggered) == len(s.Scores)
			anomalyType = AnomalyTypeEnsemble
			resultScore = s.Max()
		case FusionWeighted:
			resultScore = s.Mean()
			flagged = resultScore >= boundary(detectors.KindIsolationForest)
			anomalyType = AnomalyTypeEnsemble
		default: // FusionOR
			flagged = len(triggered) > 0
			resultScore = s.Max()
			switch len(triggered) {
			case 1:
				anomalyType = string(triggered[0])
			default:
				anomalyType = AnomalyTypeEnsemble
			}
		}
	}

	if !flagged {
		return nil, nil
	}

	usedThreshold := threshold
	if usedThreshold == 0 {
		if len(triggered) == 1 {
			usedThreshold = boundary(triggered[0])
		} else {
			usedThreshold = boundary(detectors.KindIsolationForest)
		}
	}

	res := &AnomalyResult{
		ID:            newAnomalyID(),
		AnomalyType:   anomalyType,
		Score:         resultScore,
		ThresholdUsed: usedThreshold,
		Description:   describe(anomalyType, resultScore, usedThreshold),
	}
	if rec != nil {
		res.DeviceID = rec.DeviceID
		res.Timestamp = rec.Timestamp

		for _, k := range []detectors.Kind{detectors.KindIsolationForest, detectors.KindLOF} {
			if _, ok := s.Scores[k]; !ok {
				continue
			}
			if sc := s.scalers[k]; sc != nil {
				if scaled, err := checkAndScale(sc, features.Extract(rec)); err == nil {
					res.AffectedFeatures = rankContributions(features.Names(), scaled)
				}
				break
			}
		}
	}
	return res, nil
}

// Detect is the end-to-end path: extract features from records, score them
// with the selected model(s), and return results for every flagged record.
// Malformed records are skipped, never fatal.
func (e *Engine) Detect(ctx context.Context, records []traffic.Record, sel Selection, threshold float64) ([]*AnomalyResult, error) {
	if threshold < 0 || threshold >= 1 {
		return nil, fmt.Errorf("%w: threshold %v not in [0, 1)", ErrInvalidParameter, threshold)
	}
	vectors := features.ExtractAll(records)
	scored, err := e.Score(ctx, vectors, sel)
	if err != nil {
		return nil, err
	}

	var results []*AnomalyResult
	for i := range scored {
		res, err := e.Decide(&records[i], &scored[i], threshold)
		if err != nil {
			return nil, err
		}
		if res != nil {
			results = append(results, res)
		}
	}
	e.log.Info("detection complete",
		zap.Int("records", len(records)),
		zap.Int("anomalies", len(results)))
	return results, nil
}

// filterVectors drops rows with the wrong dimension or non-finite values.
func filterVectors(vectors [][]float64) (clean [][]float64, rejected int) {
	for _, v := range vectors {
		if len(v) != features.Dim || !finite(v) {
			rejected++
			continue
		}
		clean = append(clean, v)
	}
	return clean, rejected
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
