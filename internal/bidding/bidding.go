// Package bidding turns an ad opportunity into a priced bid decision.
//
// A decision gathers campaign history, asks the configured prediction
// backend for a price and runs the fraud screen in parallel. When the
// backend is missing or fails, a rule-based price is used instead, so a
// valid request always gets a bid.
package bidding

import (
	"context"
	"errors"
	"time"

	"github.com/bidsense/bidengine/internal/features"
	"github.com/bidsense/bidengine/internal/fraud"
	"github.com/bidsense/bidengine/internal/validation"
)

var (
	ErrInvalidRequest   = errors.New("invalid bid request")
	ErrDecisionNotFound = errors.New("decision not found")
	ErrInvalidOutcome   = errors.New("invalid outcome")
	ErrOutcomeRecorded  = errors.New("outcome already recorded")
)

// Strategy names how a bid price was produced.
type Strategy string

const (
	StrategyML        Strategy = "ml_optimized"
	StrategyRuleBased Strategy = "rule_based"
)

// BidRequest is one opportunity to price.
type BidRequest struct {
	CampaignID            string    `json:"campaign_id" binding:"required"`
	SegmentID             string    `json:"segment_id"`
	SegmentCategory       string    `json:"segment_category"`
	UserID                string    `json:"user_id"`
	FloorPrice            float64   `json:"floor_price"`
	EngagementScore       float64   `json:"engagement_score"`
	ConversionProbability float64   `json:"conversion_probability"`
	DeviceType            string    `json:"device_type"`
	Browser               string    `json:"browser"`
	OS                    string    `json:"os"`
	UserAgent             string    `json:"user_agent"`
	Country               string    `json:"country"`
	Region                string    `json:"region"`
	City                  string    `json:"city"`
	Keywords              []string  `json:"keywords,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
}

// Decision is the priced answer to a BidRequest.
type Decision struct {
	PredictionID string          `json:"prediction_id"`
	CampaignID   string          `json:"campaign_id"`
	SegmentID    string          `json:"segment_id,omitempty"`
	BidPrice     float64         `json:"bid_price"`
	FloorPrice   float64         `json:"floor_price"`
	Confidence   float64         `json:"confidence"`
	Strategy     Strategy        `json:"strategy"`
	FraudRisk    bool            `json:"fraud_risk"`
	FraudType    fraud.AlertType `json:"fraud_type,omitempty"`
	FraudReason  string          `json:"fraud_reason,omitempty"`
	ModelVersion string          `json:"model_version"`
	DecidedAt    time.Time       `json:"decided_at"`

	// Outcome fields are set once the auction result is reported.
	Won       *bool      `json:"won,omitempty"`
	WinPrice  *float64   `json:"win_price,omitempty"`
	Converted bool       `json:"converted,omitempty"`
	OutcomeAt *time.Time `json:"outcome_at,omitempty"`
}

// Outcome is the auction result reported for a decision.
type Outcome struct {
	Won       bool    `json:"won"`
	WinPrice  float64 `json:"win_price"`
	Converted bool    `json:"converted"`
}

// History windows.
const (
	StatsWindow = 30 * 24 * time.Hour
	SpendWindow = 7 * 24 * time.Hour
)

// HistoryStore persists decisions and derives campaign aggregates from them.
type HistoryStore interface {
	// Stats aggregates decisions made since now-StatsWindow; spend and
	// conversions cover now-SpendWindow. A campaign without decisions
	// returns a zero History.
	Stats(ctx context.Context, campaignID string, now time.Time) (features.History, error)
	RecordDecision(ctx context.Context, d *Decision) error
	// RecordOutcome sets the outcome once; a second report returns
	// ErrOutcomeRecorded.
	RecordOutcome(ctx context.Context, predictionID string, o Outcome, at time.Time) (*Decision, error)
	GetDecision(ctx context.Context, predictionID string) (*Decision, error)
}

// FraudScreener screens an opportunity. *fraud.Engine implements it.
type FraudScreener interface {
	Detect(ctx context.Context, ev *fraud.BidEvent) fraud.Result
}

// ScreeningRecorder stores screening results. *fraud.Service implements it.
type ScreeningRecorder interface {
	RecordScreening(ctx context.Context, sc *fraud.Screening) error
}

// DecisionPublisher is told about emitted decisions and reported outcomes.
type DecisionPublisher interface {
	PublishDecision(ctx context.Context, d *Decision)
	PublishOutcome(ctx context.Context, d *Decision)
}

// validate checks the fields a decision cannot be made without.
func (r *BidRequest) validate() error {
	if errs := validation.Validate(
		validation.Required("campaign_id", r.CampaignID),
		validation.PositivePrice("floor_price", r.FloorPrice),
	); len(errs) > 0 {
		return errors.Join(ErrInvalidRequest, errs)
	}
	return nil
}

func (r *BidRequest) input(h features.History) features.Input {
	return features.Input{
		FloorPrice:            r.FloorPrice,
		EngagementScore:       r.EngagementScore,
		ConversionProbability: r.ConversionProbability,
		DeviceType:            r.DeviceType,
		SegmentCategory:       r.SegmentCategory,
		Country:               r.Country,
		Timestamp:             r.Timestamp,
		History:               h,
	}
}

func (r *BidRequest) event(id string, h features.History) *fraud.BidEvent {
	return &fraud.BidEvent{
		ID:               id,
		CampaignID:       r.CampaignID,
		SegmentID:        r.SegmentID,
		UserID:           r.UserID,
		FloorPrice:       r.FloorPrice,
		HistoricalAvgBid: h.AvgBid,
		UserAgent:        r.UserAgent,
		Browser:          r.Browser,
		OS:               r.OS,
		DeviceType:       r.DeviceType,
		Country:          r.Country,
		Region:           r.Region,
		City:             r.City,
		Timestamp:        r.Timestamp,
	}
}

func copyDecision(d *Decision) *Decision {
	cp := *d
	if d.Won != nil {
		v := *d.Won
		cp.Won = &v
	}
	if d.WinPrice != nil {
		v := *d.WinPrice
		cp.WinPrice = &v
	}
	if d.OutcomeAt != nil {
		v := *d.OutcomeAt
		cp.OutcomeAt = &v
	}
	return &cp
}
