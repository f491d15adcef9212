package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bidsense/bidengine/internal/circuitbreaker"
	"github.com/bidsense/bidengine/internal/features"
	"github.com/bidsense/bidengine/internal/retry"
)

// Remote defaults.
const (
	DefaultHealthTimeout  = 2 * time.Second
	DefaultPredictTimeout = 30 * time.Second
	healthRetryDelay      = 500 * time.Millisecond
	remoteConfidence      = 0.85
	maxResponseBytes      = 1 << 16
)

// RemoteConfig configures the HTTP inference backend.
type RemoteConfig struct {
	BaseURL        string
	HealthTimeout  time.Duration
	HealthAttempts int // startup probes before giving up, default 1
	PredictTimeout time.Duration
	Client         *http.Client
	Breaker        *circuitbreaker.Breaker
	Logger         *slog.Logger
}

// Remote calls an out-of-process inference service over HTTP.
type Remote struct {
	baseURL        string
	client         *http.Client
	predictTimeout time.Duration
	breaker        *circuitbreaker.Breaker
	logger         *slog.Logger
	connectedAt    time.Time

	mu      sync.RWMutex
	version string
}

type predictRequest struct {
	Features features.WireFeatures `json:"features"`
}

type predictResponse struct {
	PredictedBid *float64 `json:"predicted_bid"`
	ModelVersion string   `json:"model_version"`
}

// NewRemote checks the service health endpoint before returning. An
// unreachable or unhealthy service is an error.
func NewRemote(ctx context.Context, cfg RemoteConfig) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: remote URL is required", ErrUnavailable)
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.PredictTimeout <= 0 {
		cfg.PredictTimeout = DefaultPredictTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.New(5, 10*time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Remote{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		client:         cfg.Client,
		predictTimeout: cfg.PredictTimeout,
		breaker:        cfg.Breaker,
		logger:         cfg.Logger,
	}

	probe := retry.Policy{
		Attempts:  cfg.HealthAttempts,
		BaseDelay: healthRetryDelay,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			r.logger.Warn("remote predictor not ready, retrying",
				"url", r.baseURL, "attempt", attempt, "wait", wait, "error", err)
		},
	}
	if err := probe.Do(ctx, func(ctx context.Context) error {
		return r.health(ctx, cfg.HealthTimeout)
	}); err != nil {
		r.client.CloseIdleConnections()
		return nil, err
	}
	r.connectedAt = time.Now()
	r.logger.Info("remote predictor connected", "url", r.baseURL)
	return r, nil
}

func (r *Remote) health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: health check: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// Predict posts one feature object and returns the clamped price.
func (r *Remote) Predict(ctx context.Context, in features.Input) (p Prediction, err error) {
	start := time.Now()
	defer func() { observe(KindRemote, start, err) }()

	if !r.breaker.Allow(r.baseURL) {
		return Prediction{}, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	raw, version, err := r.call(ctx, in)
	if err != nil {
		// A caller that gave up says nothing about the service.
		if ctx.Err() != nil {
			r.breaker.Abandon(r.baseURL)
		} else {
			r.breaker.RecordFailure(r.baseURL)
		}
		return Prediction{}, err
	}
	r.breaker.RecordSuccess(r.baseURL)

	if version != "" {
		r.mu.Lock()
		r.version = version
		r.mu.Unlock()
	}
	return finish(raw, in, historyConfidence(remoteConfidence, in.History), version)
}

func (r *Remote) call(ctx context.Context, in features.Input) (float64, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.predictTimeout)
	defer cancel()

	body, err := json.Marshal(predictRequest{Features: in.Wire()})
	if err != nil {
		return 0, "", fmt.Errorf("%w: encode request: %v", ErrInference, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrInference, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Feature-Schema", features.SchemaVersion)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrInference, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, "", fmt.Errorf("%w: read response: %w", ErrInference, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, "", fmt.Errorf("%w: status %d: %s", ErrInference, resp.StatusCode, truncate(string(data), 200))
	}

	var out predictResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, "", fmt.Errorf("%w: malformed response: %v", ErrInference, err)
	}
	if out.PredictedBid == nil {
		return 0, "", fmt.Errorf("%w: response missing predicted_bid", ErrInference)
	}
	return *out.PredictedBid, out.ModelVersion, nil
}

// PredictBatch calls Predict for each input in order.
func (r *Remote) PredictBatch(ctx context.Context, ins []features.Input) ([]Prediction, error) {
	return predictEach(ctx, ins, r.Predict)
}

// Info reports the last model version seen from the service.
func (r *Remote) Info() Info {
	r.mu.RLock()
	version := r.version
	r.mu.RUnlock()
	return Info{
		Kind:        KindRemote,
		Version:     version,
		LoadedAt:    r.connectedAt,
		NumFeatures: features.Size,
		Details: map[string]string{
			"url":     r.baseURL,
			"schema":  features.SchemaVersion,
			"circuit": r.breaker.State(r.baseURL).String(),
		},
	}
}

// Reload is a no-op; the service owns its model lifecycle.
func (r *Remote) Reload(ctx context.Context) error {
	observeReload(KindRemote, nil)
	return nil
}

// Close releases idle connections.
func (r *Remote) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
