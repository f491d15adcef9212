package predictor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dmitryikh/leaves"

	"github.com/bidsense/bidengine/internal/features"
)

const treeConfidence = 0.90

// Model file formats understood by the tree backend.
const (
	FormatXGBoost  = "xgboost"
	FormatLightGBM = "lightgbm"
)

// treeModel is the part of *leaves.Ensemble the backend uses.
type treeModel interface {
	PredictSingle(fvals []float64, nEstimators int) float64
	NFeatures() int
}

type treeLoader func(path, format string) (treeModel, error)

func loadLeaves(path, format string) (treeModel, error) {
	var (
		model *leaves.Ensemble
		err   error
	)
	switch format {
	case FormatLightGBM:
		model, err = leaves.LGEnsembleFromFile(path, true)
	case FormatXGBoost, "":
		model, err = leaves.XGEnsembleFromFile(path, true)
	default:
		return nil, fmt.Errorf("unsupported tree format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return model, nil
}

// TreeConfig configures the embedded tree-ensemble backend.
type TreeConfig struct {
	ModelPath    string
	EncodersPath string
	Format       string
	Logger       *slog.Logger
}

// treeState is swapped as a unit so model and encoder always match.
type treeState struct {
	model    treeModel
	encoder  *features.Encoder
	version  string
	loadedAt time.Time
}

// Tree evaluates a gradient-boosted ensemble in process.
type Tree struct {
	cfg    TreeConfig
	load   treeLoader
	logger *slog.Logger

	mu     sync.RWMutex
	state  *treeState
	closed bool
}

// NewTree loads the model and encoder files. Either failing is an error.
func NewTree(cfg TreeConfig) (*Tree, error) {
	return newTree(cfg, loadLeaves)
}

func newTree(cfg TreeConfig, load treeLoader) (*Tree, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Tree{cfg: cfg, load: load, logger: cfg.Logger}

	state, err := t.loadState()
	if err != nil {
		return nil, err
	}
	t.state = state
	t.logger.Info("tree model loaded",
		"path", cfg.ModelPath,
		"version", state.version,
		"features", state.model.NFeatures(),
	)
	return t, nil
}

func (t *Tree) loadState() (*treeState, error) {
	model, err := t.load(t.cfg.ModelPath, t.cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModelLoad, t.cfg.ModelPath, err)
	}
	if n := model.NFeatures(); n != features.Size {
		return nil, fmt.Errorf("%w: model expects %d features, vector has %d", ErrModelLoad, n, features.Size)
	}
	enc, err := features.LoadEncoder(t.cfg.EncodersPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	return &treeState{
		model:    model,
		encoder:  enc,
		version:  versionFromPath(t.cfg.ModelPath),
		loadedAt: time.Now(),
	}, nil
}

// snapshot returns the current state. Callers keep using it even if a
// reload swaps in a newer one.
func (t *Tree) snapshot() (*treeState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrClosed
	}
	return t.state, nil
}

// Predict walks the ensemble for one input.
func (t *Tree) Predict(ctx context.Context, in features.Input) (p Prediction, err error) {
	start := time.Now()
	defer func() { observe(KindTree, start, err) }()

	state, err := t.snapshot()
	if err != nil {
		return Prediction{}, err
	}
	return t.predictWith(state, in)
}

func (t *Tree) predictWith(state *treeState, in features.Input) (Prediction, error) {
	vec := features.Build(in, state.encoder)
	raw := state.model.PredictSingle(vec.Slice(), 0)
	return finish(raw, in, treeConfidence, state.version)
}

// PredictBatch evaluates every input against the same model snapshot.
func (t *Tree) PredictBatch(ctx context.Context, ins []features.Input) (ps []Prediction, err error) {
	start := time.Now()
	defer func() { observe(KindTree, start, err) }()

	state, err := t.snapshot()
	if err != nil {
		return nil, err
	}
	return predictEach(ctx, ins, func(_ context.Context, in features.Input) (Prediction, error) {
		return t.predictWith(state, in)
	})
}

// Info describes the loaded ensemble.
func (t *Tree) Info() Info {
	t.mu.RLock()
	state := t.state
	t.mu.RUnlock()

	info := Info{
		Kind:        KindTree,
		Version:     state.version,
		LoadedAt:    state.loadedAt,
		NumFeatures: state.model.NFeatures(),
		Details: map[string]string{
			"path":   t.cfg.ModelPath,
			"format": formatOrDefault(t.cfg.Format),
		},
	}
	if e, ok := state.model.(*leaves.Ensemble); ok {
		info.Details["estimators"] = fmt.Sprint(e.NEstimators())
		info.Details["output_groups"] = fmt.Sprint(e.NOutputGroups())
	}
	return info
}

// Reload re-reads the model and encoder files. The new state is built
// outside the lock; on failure the current state stays in place.
func (t *Tree) Reload(ctx context.Context) error {
	state, err := t.loadState()
	observeReload(KindTree, err)
	if err != nil {
		t.logger.Warn("tree model reload failed, keeping current model", "error", err)
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.state = state
	t.mu.Unlock()

	t.logger.Info("tree model reloaded", "version", state.version)
	return nil
}

// Close marks the backend closed. The ensemble holds no external resources.
func (t *Tree) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// versionFromPath derives a model version from its file name,
// e.g. "models/bid_model_v3.json" → "bid_model_v3".
func versionFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func formatOrDefault(f string) string {
	if f == "" {
		return FormatXGBoost
	}
	return f
}
