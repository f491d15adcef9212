package predictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/bidsense/bidengine/internal/features"
)

const (
	graphConfidence = 0.85
	graphInputName  = "float_input"
	graphOutputName = "output"
)

// graphSession runs a batch of feature rows through a loaded graph.
type graphSession interface {
	Run(input []float32, rows int) ([]float32, error)
	Destroy() error
}

type graphLoader func(path string) (graphSession, error)

var (
	ortOnce sync.Once
	ortErr  error
)

func initRuntime(libraryPath string) error {
	ortOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if !ort.IsInitialized() {
			ortErr = ort.InitializeEnvironment()
		}
	})
	return ortErr
}

// ortSession adapts a dynamic onnxruntime session to graphSession.
type ortSession struct {
	session *ort.DynamicAdvancedSession
}

func loadONNX(path string) (graphSession, error) {
	s, err := ort.NewDynamicAdvancedSession(path,
		[]string{graphInputName}, []string{graphOutputName}, nil)
	if err != nil {
		return nil, err
	}
	return &ortSession{session: s}, nil
}

func (o *ortSession) Run(input []float32, rows int) ([]float32, error) {
	in, err := ort.NewTensor(ort.NewShape(int64(rows), features.Size), input)
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	defer func() { _ = in.Destroy() }()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(rows), 1))
	if err != nil {
		return nil, fmt.Errorf("output tensor: %w", err)
	}
	defer func() { _ = out.Destroy() }()

	if err := o.session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, err
	}
	result := make([]float32, rows)
	copy(result, out.GetData())
	return result, nil
}

func (o *ortSession) Destroy() error {
	return o.session.Destroy()
}

// GraphConfig configures the embedded ONNX backend.
type GraphConfig struct {
	ModelPath    string
	EncodersPath string
	LibraryPath  string // onnxruntime shared library; empty uses the default search
	Logger       *slog.Logger
}

type graphState struct {
	session  graphSession
	encoder  *features.Encoder
	version  string
	loadedAt time.Time
}

// Graph runs an ONNX model through onnxruntime. Readers hold the read lock
// for the whole Run so a replaced session is only destroyed once no
// inference is using it.
type Graph struct {
	cfg    GraphConfig
	load   graphLoader
	logger *slog.Logger

	mu     sync.RWMutex
	state  *graphState
	closed bool
}

// NewGraph initializes onnxruntime and loads the model and encoders.
func NewGraph(cfg GraphConfig) (*Graph, error) {
	if err := initRuntime(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("%w: onnxruntime init: %v", ErrModelLoad, err)
	}
	return newGraph(cfg, loadONNX)
}

func newGraph(cfg GraphConfig, load graphLoader) (*Graph, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	g := &Graph{cfg: cfg, load: load, logger: cfg.Logger}

	state, err := g.loadState()
	if err != nil {
		return nil, err
	}
	g.state = state
	g.logger.Info("graph model loaded", "path", cfg.ModelPath, "version", state.version)
	return g, nil
}

func (g *Graph) loadState() (*graphState, error) {
	enc, err := features.LoadEncoder(g.cfg.EncodersPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	session, err := g.load(g.cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModelLoad, g.cfg.ModelPath, err)
	}
	return &graphState{
		session:  session,
		encoder:  enc,
		version:  versionFromPath(g.cfg.ModelPath),
		loadedAt: time.Now(),
	}, nil
}

// Predict runs a single-row batch.
func (g *Graph) Predict(ctx context.Context, in features.Input) (Prediction, error) {
	ps, err := g.run(ctx, []features.Input{in})
	if err != nil {
		var be *BatchError
		if errors.As(err, &be) {
			return Prediction{}, be.Err
		}
		return Prediction{}, err
	}
	return ps[0], nil
}

// PredictBatch runs all inputs as one [n,13] tensor.
func (g *Graph) PredictBatch(ctx context.Context, ins []features.Input) ([]Prediction, error) {
	if len(ins) == 0 {
		return []Prediction{}, nil
	}
	return g.run(ctx, ins)
}

func (g *Graph) run(ctx context.Context, ins []features.Input) (ps []Prediction, err error) {
	start := time.Now()
	defer func() { observe(KindGraph, start, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return nil, ErrClosed
	}
	state := g.state

	data := make([]float32, 0, len(ins)*features.Size)
	for _, in := range ins {
		data = append(data, features.Build(in, state.encoder).Float32()...)
	}

	out, err := state.session.Run(data, len(ins))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if len(out) != len(ins) {
		return nil, fmt.Errorf("%w: got %d outputs for %d rows", ErrInference, len(out), len(ins))
	}

	ps = make([]Prediction, len(ins))
	for i, in := range ins {
		conf := historyConfidence(graphConfidence, in.History)
		p, err := finish(float64(out[i]), in, conf, state.version)
		if err != nil {
			return nil, &BatchError{Index: i, Err: err}
		}
		ps[i] = p
	}
	return ps, nil
}

// Info describes the loaded graph.
func (g *Graph) Info() Info {
	g.mu.RLock()
	state := g.state
	g.mu.RUnlock()
	return Info{
		Kind:        KindGraph,
		Version:     state.version,
		LoadedAt:    state.loadedAt,
		NumFeatures: features.Size,
		Details: map[string]string{
			"path":   g.cfg.ModelPath,
			"input":  graphInputName,
			"output": graphOutputName,
		},
	}
}

// Reload loads a fresh session, swaps it in, and destroys the old one.
func (g *Graph) Reload(ctx context.Context) error {
	state, err := g.loadState()
	observeReload(KindGraph, err)
	if err != nil {
		g.logger.Warn("graph model reload failed, keeping current model", "error", err)
		return err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = state.session.Destroy()
		return ErrClosed
	}
	old := g.state
	g.state = state
	g.mu.Unlock()

	if err := old.session.Destroy(); err != nil {
		g.logger.Warn("failed to destroy previous graph session", "error", err)
	}
	g.logger.Info("graph model reloaded", "version", state.version)
	return nil
}

// Close destroys the session. The onnxruntime environment is process-wide
// and is left initialized.
func (g *Graph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.state.session.Destroy()
}
