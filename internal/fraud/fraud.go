// Package fraud screens bid opportunities for fraudulent traffic and keeps
// the alert record that operators triage.
//
// Engine runs the real-time rules on every decision. Service owns the alert
// lifecycle and the read-side views (overview, trends, device and geo
// breakdowns) computed from alerts and screened bids.
package fraud

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bidsense/bidengine/internal/pagination"
)

var (
	ErrAlertNotFound     = errors.New("fraud alert not found")
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrUnauthorized      = errors.New("not authorized for this campaign")
	ErrInvalidTransition = errors.New("invalid alert status transition")
	ErrInvalidAlert      = errors.New("invalid fraud alert")
)

// AlertType classifies what a rule or an operator detected.
type AlertType string

const (
	TypeClickVelocity     AlertType = "click_velocity"
	TypeIPAnomaly         AlertType = "ip_anomaly"
	TypeGeoAnomaly        AlertType = "geo_anomaly"
	TypeDeviceAnomaly     AlertType = "device_anomaly"
	TypeBidPriceAnomaly   AlertType = "bid_price_anomaly"
	TypeConversionAnomaly AlertType = "conversion_anomaly"
	TypeBotDetection      AlertType = "bot_detection"
)

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	switch t {
	case TypeClickVelocity, TypeIPAnomaly, TypeGeoAnomaly, TypeDeviceAnomaly,
		TypeBidPriceAnomaly, TypeConversionAnomaly, TypeBotDetection:
		return true
	}
	return false
}

// Status is an alert's triage state.
type Status string

const (
	StatusActive        Status = "active"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusResolved || s == StatusFalsePositive
}

// Severity bounds.
const (
	MinSeverity = 1
	MaxSeverity = 10
)

// Alert is a persisted fraud finding. Alerts are never deleted; they leave
// the active set only through a status transition.
type Alert struct {
	ID              string     `json:"id"`
	CampaignID      string     `json:"campaignId"`
	AlertType       AlertType  `json:"alertType"`
	Severity        int        `json:"severity"`
	Description     string     `json:"description"`
	AffectedUserIDs []string   `json:"affectedUserIds"`
	DetectedAt      time.Time  `json:"detectedAt"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	Status          Status     `json:"status"`
}

// IsTerminal reports whether the alert has been resolved either way.
func (a *Alert) IsTerminal() bool {
	return a.Status == StatusResolved || a.Status == StatusFalsePositive
}

// Campaign is the ownership record alerts are scoped by.
type Campaign struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	Name    string `json:"name"`
}

// BidEvent is the opportunity the real-time rules inspect.
type BidEvent struct {
	ID               string
	CampaignID       string
	SegmentID        string
	UserID           string
	FloorPrice       float64
	HistoricalAvgBid float64
	UserAgent        string
	Browser          string
	OS               string
	DeviceType       string
	Country          string
	Region           string
	City             string
	Timestamp        time.Time
}

// Result is the real-time verdict. The zero value means no rule fired.
type Result struct {
	IsFraud bool      `json:"isFraud"`
	Type    AlertType `json:"type,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// Screening is one screened decision. Flagged screenings are the blocked
// bids counted by the overview; all of them feed the breakdowns.
type Screening struct {
	PredictionID string
	CampaignID   string
	BidPrice     decimal.Decimal
	Flagged      bool
	FraudType    AlertType
	DeviceType   string
	Browser      string
	OS           string
	Country      string
	Region       string
	City         string
	ScreenedAt   time.Time
}

// CreateAlertRequest is a manually reported alert.
type CreateAlertRequest struct {
	CampaignID      string    `json:"campaignId" binding:"required"`
	AlertType       AlertType `json:"alertType" binding:"required"`
	Severity        int       `json:"severity"`
	Description     string    `json:"description" binding:"required"`
	AffectedUserIDs []string  `json:"affectedUserIds"`
}

// AlertFilter narrows ListAlerts. Zero fields do not filter.
type AlertFilter struct {
	Status      Status
	AlertType   AlertType
	MinSeverity int
	Since       time.Time
	Until       time.Time
	Limit       int
	Cursor      *pagination.Cursor
}

// AlertPage is one page of alerts, newest first.
type AlertPage struct {
	Alerts     []*Alert `json:"alerts"`
	NextCursor string   `json:"nextCursor,omitempty"`
	HasMore    bool     `json:"hasMore"`
}

// Overview summarizes an owner's fraud exposure over a window.
type Overview struct {
	TotalAlerts          int            `json:"totalAlerts"`
	ActiveAlerts         int            `json:"activeAlerts"`
	BlockedBids          int64          `json:"blockedBids"`
	AmountSaved          float64        `json:"amountSaved"`
	ThreatLevel          ThreatLevel    `json:"threatLevel"`
	AlertsByType         map[string]int `json:"alertsByType"`
	TopAffectedCampaigns []CampaignRisk `json:"topAffectedCampaigns"`
	WindowDays           int            `json:"windowDays"`
}

// CampaignRisk scores one campaign by the alerts raised against it.
type CampaignRisk struct {
	CampaignID    string      `json:"campaignId"`
	CampaignName  string      `json:"campaignName"`
	FraudAttempts int         `json:"fraudAttempts"`
	RiskScore     float64     `json:"riskScore"`
	ThreatLevel   ThreatLevel `json:"threatLevel"`
}

// Trend is the alert count for one day and type.
type Trend struct {
	Date          string    `json:"date"`
	AlertType     AlertType `json:"alertType"`
	FraudAttempts int       `json:"fraudAttempts"`
}

// DeviceRisk is the flagged share of bids for one device profile.
type DeviceRisk struct {
	DeviceType string  `json:"deviceType"`
	Browser    string  `json:"browser"`
	OS         string  `json:"os"`
	TotalBids  int     `json:"totalBids"`
	FraudBids  int     `json:"fraudBids"`
	FraudRate  float64 `json:"fraudRate"`
}

// GeoRisk is the flagged share of bids for one location.
type GeoRisk struct {
	Country   string  `json:"country"`
	Region    string  `json:"region"`
	City      string  `json:"city"`
	TotalBids int     `json:"totalBids"`
	FraudBids int     `json:"fraudBids"`
	FraudRate float64 `json:"fraudRate"`
}

// AlertCounts is the store-side aggregate behind Overview.
type AlertCounts struct {
	Total  int
	Active int
	ByType map[string]int
}

// Store persists campaigns, alerts and screenings. Aggregate queries are
// scoped to campaigns owned by ownerID and to rows at or after since.
type Store interface {
	PutCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)

	CreateAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	// UpdateAlert loads the alert and its campaign owner, applies fn and
	// saves the result. Concurrent updates of one alert are serialized.
	UpdateAlert(ctx context.Context, id string, fn func(a *Alert, ownerID string) error) (*Alert, error)
	// ListAlerts returns up to f.Limit+1 alerts ordered by detected_at, id descending.
	ListAlerts(ctx context.Context, ownerID string, f AlertFilter) ([]*Alert, error)

	RecordScreening(ctx context.Context, s *Screening) error

	AlertCounts(ctx context.Context, ownerID string, since time.Time) (*AlertCounts, error)
	BlockedBids(ctx context.Context, ownerID string, since time.Time) (int64, decimal.Decimal, error)
	TopCampaigns(ctx context.Context, ownerID string, since time.Time, limit int) ([]CampaignRisk, error)
	Trends(ctx context.Context, ownerID string, since time.Time) ([]Trend, error)
	DeviceBreakdown(ctx context.Context, ownerID string, since time.Time, limit int) ([]DeviceRisk, error)
	GeoBreakdown(ctx context.Context, ownerID string, since time.Time, limit int) ([]GeoRisk, error)
}

// ThreatLevel is the coarse triage bucket.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// ThreatLevelForActive buckets an active alert count. Boundaries are strict:
// 11 is critical, 6 high, 3 medium.
func ThreatLevelForActive(active int) ThreatLevel {
	switch {
	case active > 10:
		return ThreatCritical
	case active > 5:
		return ThreatHigh
	case active > 2:
		return ThreatMedium
	default:
		return ThreatLow
	}
}

// RiskScoreForAttempts maps a campaign's alert count to a 0-10 score.
func RiskScoreForAttempts(attempts int) float64 {
	switch {
	case attempts > 10:
		return 9.0
	case attempts > 5:
		return 7.0
	case attempts > 2:
		return 5.0
	default:
		return 3.0
	}
}

// ThreatLevelForScore labels a campaign risk score.
func ThreatLevelForScore(score float64) ThreatLevel {
	switch {
	case score >= 8:
		return ThreatCritical
	case score >= 6:
		return ThreatHigh
	case score >= 4:
		return ThreatMedium
	default:
		return ThreatLow
	}
}

// VelocitySeverity scales severity with how far count overshoots threshold.
func VelocitySeverity(count, threshold int) int {
	if threshold <= 0 {
		return MaxSeverity
	}
	return clampSeverity(int(math.Ceil(float64(count) * 5 / float64(threshold))))
}

func clampSeverity(s int) int {
	if s < MinSeverity {
		return MinSeverity
	}
	if s > MaxSeverity {
		return MaxSeverity
	}
	return s
}

// rate is flagged/total, zero for an empty group.
func rate(flagged, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(flagged) / float64(total)
}
