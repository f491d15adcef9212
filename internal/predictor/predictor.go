// Package predictor turns feature inputs into bid prices.
//
// Three interchangeable backends implement Backend: Remote delegates to an
// HTTP inference service, Tree walks a gradient-boosted ensemble in process,
// and Graph runs an ONNX graph through onnxruntime. Open selects one by
// configured kind.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bidsense/bidengine/internal/circuitbreaker"
	"github.com/bidsense/bidengine/internal/features"
	"github.com/bidsense/bidengine/internal/metrics"
)

var (
	ErrInference      = errors.New("inference failed")
	ErrUnavailable    = errors.New("prediction backend unavailable")
	ErrModelLoad      = errors.New("model load failed")
	ErrUnknownBackend = errors.New("unknown prediction backend")
	ErrClosed         = errors.New("prediction backend closed")
)

// MinBidPremium is the multiplier applied to the floor price to get the
// lowest price any backend may return.
const MinBidPremium = 1.01

var premium = decimal.NewFromFloat(MinBidPremium)

// Kind names a backend implementation in configuration.
type Kind string

const (
	KindRemote Kind = "remote"
	KindTree   Kind = "tree"
	KindGraph  Kind = "graph"
)

// Prediction is one backend result.
type Prediction struct {
	Price        float64 `json:"price"`
	Raw          float64 `json:"raw"` // model output before clamping
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"modelVersion"`
}

// Info describes the loaded model.
type Info struct {
	Kind        Kind              `json:"kind"`
	Version     string            `json:"version"`
	LoadedAt    time.Time         `json:"loadedAt"`
	NumFeatures int               `json:"numFeatures"`
	Details     map[string]string `json:"details,omitempty"`
}

// Backend is implemented by every prediction strategy. Implementations are
// safe for concurrent use; only Reload mutates model state.
type Backend interface {
	Predict(ctx context.Context, in features.Input) (Prediction, error)
	PredictBatch(ctx context.Context, ins []features.Input) ([]Prediction, error)
	Info() Info
	Reload(ctx context.Context) error
	Close() error
}

// BatchError identifies the input that failed in a batch call.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("predict batch index %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// FloorPremium returns floor × MinBidPremium.
func FloorPremium(floor float64) float64 {
	v, _ := decimal.NewFromFloat(floor).Mul(premium).Float64()
	return v
}

// Clamp raises price to the floor premium when it falls below it. The
// second result reports whether the price was raised.
func Clamp(price, floor float64) (float64, bool) {
	min := FloorPremium(floor)
	if price < min {
		return min, true
	}
	return price, false
}

// Config selects and configures a backend.
type Config struct {
	Kind            Kind
	RemoteURL       string
	HealthAttempts  int                     // remote backend only
	Breaker         *circuitbreaker.Breaker // remote backend only; nil builds a private one
	ModelPath       string
	ModelFormat     string // xgboost or lightgbm, tree backend only
	EncodersPath    string
	ONNXLibraryPath string
	Logger          *slog.Logger
}

// Open constructs the backend named by cfg.Kind. Load or health check
// failures are returned; callers treat them as fatal.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Errors are checked per branch so a typed nil never becomes a non-nil Backend.
	switch cfg.Kind {
	case KindRemote:
		b, err := NewRemote(ctx, RemoteConfig{
			BaseURL:        cfg.RemoteURL,
			HealthAttempts: cfg.HealthAttempts,
			Breaker:        cfg.Breaker,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case KindTree:
		b, err := NewTree(TreeConfig{
			ModelPath:    cfg.ModelPath,
			EncodersPath: cfg.EncodersPath,
			Format:       cfg.ModelFormat,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case KindGraph:
		b, err := NewGraph(GraphConfig{
			ModelPath:    cfg.ModelPath,
			EncodersPath: cfg.EncodersPath,
			LibraryPath:  cfg.ONNXLibraryPath,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Kind)
	}
}

// finish validates a raw model output and applies the floor clamp.
func finish(raw float64, in features.Input, confidence float64, version string) (Prediction, error) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return Prediction{}, fmt.Errorf("%w: non-finite output %v", ErrInference, raw)
	}
	price, _ := Clamp(raw, in.FloorPrice)
	return Prediction{
		Price:        price,
		Raw:          raw,
		Confidence:   confidence,
		ModelVersion: version,
	}, nil
}

// historyConfidence lowers base when the campaign has little bid history.
func historyConfidence(base float64, h features.History) float64 {
	c := base
	if h.TotalBids < 10 {
		c -= 0.1
	}
	if h.TotalBids < 5 {
		c -= 0.1
	}
	return math.Round(c*100) / 100
}

// predictEach runs predict over ins in order. It is the batch path for
// backends without native batching.
func predictEach(ctx context.Context, ins []features.Input, predict func(context.Context, features.Input) (Prediction, error)) ([]Prediction, error) {
	out := make([]Prediction, len(ins))
	for i, in := range ins {
		if err := ctx.Err(); err != nil {
			return nil, &BatchError{Index: i, Err: err}
		}
		p, err := predict(ctx, in)
		if err != nil {
			return nil, &BatchError{Index: i, Err: err}
		}
		out[i] = p
	}
	return out, nil
}

// observe records call metrics for a backend.
func observe(kind Kind, start time.Time, err error) {
	metrics.PredictorLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.PredictorRequestsTotal.WithLabelValues(string(kind), result).Inc()
}

func observeReload(kind Kind, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.PredictorReloadsTotal.WithLabelValues(string(kind), result).Inc()
}
