package bidding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/bidsense/bidengine/internal/features"
	"github.com/bidsense/bidengine/internal/fraud"
	"github.com/bidsense/bidengine/internal/logging"
	"github.com/bidsense/bidengine/internal/metrics"
	"github.com/bidsense/bidengine/internal/predictor"
	"github.com/bidsense/bidengine/internal/traces"
)

// ErrNoBackend is returned by model operations when no backend is configured.
var ErrNoBackend = errors.New("no prediction backend configured")

const (
	// RuleBasedModelVersion is reported for decisions priced without a model.
	RuleBasedModelVersion = "rule-based"

	DefaultBatchLimit = 16
	MaxBatchSize      = 100

	persistTimeout = 5 * time.Second
)

// Service makes bid decisions.
type Service struct {
	backend    predictor.Backend
	history    HistoryStore
	screener   FraudScreener
	screenings ScreeningRecorder
	publishers []DecisionPublisher
	rates      *RateTracker
	batchLimit int
	logger     *slog.Logger
	now        func() time.Time
	pending    sync.WaitGroup
}

// NewService returns a service that persists decisions to history. Without
// a backend every decision is rule-based.
func NewService(history HistoryStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		history:    history,
		batchLimit: DefaultBatchLimit,
		logger:     logger,
		now:        time.Now,
	}
}

// WithBackend sets the prediction backend.
func (s *Service) WithBackend(b predictor.Backend) *Service {
	s.backend = b
	return s
}

// WithScreener enables fraud screening and records each result through rec.
func (s *Service) WithScreener(sc FraudScreener, rec ScreeningRecorder) *Service {
	s.screener = sc
	s.screenings = rec
	return s
}

// WithPublisher adds a decision publisher.
func (s *Service) WithPublisher(p DecisionPublisher) *Service {
	s.publishers = append(s.publishers, p)
	return s
}

// WithRateTracker feeds decisions and outcomes into t.
func (s *Service) WithRateTracker(t *RateTracker) *Service {
	s.rates = t
	return s
}

// WithBatchLimit bounds the concurrency of DecideBatch.
func (s *Service) WithBatchLimit(n int) *Service {
	if n > 0 {
		s.batchLimit = n
	}
	return s
}

// Decide prices req. It fails only for invalid requests; history, model
// and fraud failures degrade to defaults.
func (s *Service) Decide(ctx context.Context, req BidRequest) (*Decision, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	if req.Timestamp.IsZero() {
		req.Timestamp = s.now().UTC()
	}

	id := uuid.NewString()
	ctx, span := traces.StartSpan(ctx, "bidding.Decide",
		traces.CampaignID(req.CampaignID),
		traces.PredictionID(id),
		traces.FloorPrice(req.FloorPrice),
	)
	defer span.End()
	ctx = logging.WithFields(ctx, "predictionId", id)

	h := s.stats(ctx, req.CampaignID)

	var (
		pred    predictor.Prediction
		predErr error
		screen  fraud.Result
	)
	var g errgroup.Group
	g.Go(func() error {
		pred, predErr = s.predict(ctx, req.input(h))
		return nil
	})
	g.Go(func() error {
		if s.screener != nil {
			screen = s.screener.Detect(ctx, req.event(id, h))
		}
		return nil
	})
	_ = g.Wait()

	d := &Decision{
		PredictionID: id,
		CampaignID:   req.CampaignID,
		SegmentID:    req.SegmentID,
		FloorPrice:   req.FloorPrice,
		FraudRisk:    screen.IsFraud,
		FraudType:    screen.Type,
		FraudReason:  screen.Reason,
		DecidedAt:    s.now().UTC(),
	}

	if predErr == nil {
		price, clamped, capped := bound(pred.Price, req.FloorPrice)
		clamped = clamped || pred.Raw < predictor.FloorPremium(req.FloorPrice)
		if clamped {
			metrics.BidPriceClamped.Inc()
		}
		d.BidPrice = price
		d.Confidence = mlConfidence(pred.Confidence, clamped, capped)
		d.Strategy = StrategyML
		d.ModelVersion = pred.ModelVersion
	} else {
		if !errors.Is(predErr, ErrNoBackend) {
			logging.L(ctx).Warn("prediction failed, using rule-based price",
				"campaignId", req.CampaignID, "error", predErr)
		}
		d.BidPrice = RuleBasedPrice(&req, h)
		d.Confidence = RuleBasedConfidence
		d.Strategy = StrategyRuleBased
		d.ModelVersion = RuleBasedModelVersion
	}

	span.SetAttributes(traces.Strategy(string(d.Strategy)))
	metrics.BidDecisionsTotal.WithLabelValues(string(d.Strategy), fmt.Sprint(d.FraudRisk)).Inc()
	metrics.BidDecisionDuration.Observe(time.Since(start).Seconds())

	s.afterEmit(ctx, d, &req)
	return d, nil
}

// stats returns campaign history, or the defaults when the store fails or
// the campaign has never bid.
func (s *Service) stats(ctx context.Context, campaignID string) features.History {
	h, err := s.history.Stats(ctx, campaignID, s.now())
	if err != nil {
		logging.L(ctx).Warn("history lookup failed, using defaults",
			"campaignId", campaignID, "error", err)
		return features.DefaultHistory()
	}
	if h.TotalBids == 0 {
		return features.DefaultHistory()
	}
	return h
}

func (s *Service) predict(ctx context.Context, in features.Input) (predictor.Prediction, error) {
	if s.backend == nil {
		return predictor.Prediction{}, ErrNoBackend
	}
	if err := ctx.Err(); err != nil {
		return predictor.Prediction{}, err
	}
	ctx, span := traces.StartSpan(ctx, "predictor.Predict", traces.Backend(string(s.backend.Info().Kind)))
	defer span.End()
	p, err := s.backend.Predict(ctx, in)
	traces.Fail(span, err)
	return p, err
}

// afterEmit persists and publishes d in the background.
func (s *Service) afterEmit(ctx context.Context, d *Decision, req *BidRequest) {
	if s.rates != nil {
		s.rates.RecordDecision(d.CampaignID, d.DecidedAt)
	}

	cp := *d
	screening := &fraud.Screening{
		PredictionID: d.PredictionID,
		CampaignID:   d.CampaignID,
		BidPrice:     decimal.NewFromFloat(d.BidPrice),
		Flagged:      d.FraudRisk,
		FraudType:    d.FraudType,
		DeviceType:   req.DeviceType,
		Browser:      req.Browser,
		OS:           req.OS,
		Country:      req.Country,
		Region:       req.Region,
		City:         req.City,
		ScreenedAt:   d.DecidedAt,
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		log := logging.L(ctx)

		if err := s.history.RecordDecision(ctx, &cp); err != nil {
			log.Warn("failed to record decision", "error", err)
		}
		if s.screenings != nil && s.screener != nil {
			if err := s.screenings.RecordScreening(ctx, screening); err != nil {
				log.Warn("failed to record screening", "error", err)
			}
		}
		for _, p := range s.publishers {
			p.PublishDecision(ctx, &cp)
		}
	}()
}

// DecideBatch prices reqs concurrently. Results are in request order. The
// whole batch is rejected if any request is invalid.
func (s *Service) DecideBatch(ctx context.Context, reqs []BidRequest) ([]*Decision, error) {
	if len(reqs) == 0 || len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch must hold 1 to %d requests", ErrInvalidRequest, MaxBatchSize)
	}
	for i := range reqs {
		if err := reqs[i].validate(); err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
	}

	out := make([]*Decision, len(reqs))
	var g errgroup.Group
	g.SetLimit(s.batchLimit)
	for i := range reqs {
		g.Go(func() error {
			d, err := s.Decide(ctx, reqs[i])
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			out[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordOutcome stores the auction result for a decision.
func (s *Service) RecordOutcome(ctx context.Context, predictionID string, o Outcome) (*Decision, error) {
	if o.Won && !(o.WinPrice > 0) {
		return nil, fmt.Errorf("%w: win_price must be positive for a won auction", ErrInvalidOutcome)
	}
	if !o.Won {
		if o.Converted {
			return nil, fmt.Errorf("%w: a lost auction cannot convert", ErrInvalidOutcome)
		}
		o.WinPrice = 0
	}

	at := s.now().UTC()
	d, err := s.history.RecordOutcome(ctx, predictionID, o, at)
	if err != nil {
		return nil, err
	}
	if s.rates != nil {
		s.rates.RecordOutcome(d.CampaignID, o, at)
	}
	for _, p := range s.publishers {
		p.PublishOutcome(ctx, d)
	}
	return d, nil
}

// GetDecision returns a stored decision.
func (s *Service) GetDecision(ctx context.Context, predictionID string) (*Decision, error) {
	return s.history.GetDecision(ctx, predictionID)
}

// ModelInfo describes the loaded model.
func (s *Service) ModelInfo() (predictor.Info, error) {
	if s.backend == nil {
		return predictor.Info{}, ErrNoBackend
	}
	return s.backend.Info(), nil
}

// ReloadModel reloads the backend's artifacts. On failure the previous
// model stays in service.
func (s *Service) ReloadModel(ctx context.Context) (predictor.Info, error) {
	if s.backend == nil {
		return predictor.Info{}, ErrNoBackend
	}
	if err := s.backend.Reload(ctx); err != nil {
		return s.backend.Info(), err
	}
	info := s.backend.Info()
	logging.L(ctx).Info("model reloaded", "kind", info.Kind, "version", info.Version)
	return info, nil
}

// Wait blocks until background persistence finishes.
func (s *Service) Wait() {
	s.pending.Wait()
}
