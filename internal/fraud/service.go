package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bidsense/bidengine/internal/metrics"
	"github.com/bidsense/bidengine/internal/pagination"
	"github.com/bidsense/bidengine/internal/syncutil"
	"github.com/bidsense/bidengine/internal/traces"
)

// View limits.
const (
	DefaultWindowDays   = 30
	MaxWindowDays       = 365
	DefaultAlertLimit   = 100
	MaxAlertLimit       = 500
	topCampaignsLimit   = 5
	deviceBreakdownSize = 20
	geoBreakdownSize    = 30

	defaultManualSeverity = 5
)

// AlertNotifier is told about every new or updated alert. The event bus
// and the realtime hub implement it.
type AlertNotifier interface {
	NotifyAlert(ctx context.Context, a *Alert)
}

// Service implements the alert lifecycle and fraud views.
type Service struct {
	store     Store
	notifiers []AlertNotifier
	logger    *slog.Logger
	locks     syncutil.KeyLocks
	now       func() time.Time
}

// NewService returns a service over store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithNotifier adds an alert notifier.
func (s *Service) WithNotifier(n AlertNotifier) *Service {
	s.notifiers = append(s.notifiers, n)
	return s
}

// CreateAlert records a manually reported alert on a campaign ownerID owns.
func (s *Service) CreateAlert(ctx context.Context, ownerID string, req CreateAlertRequest) (*Alert, error) {
	if req.CampaignID == "" || req.Description == "" {
		return nil, fmt.Errorf("%w: campaignId and description are required", ErrInvalidAlert)
	}
	if !req.AlertType.Valid() {
		return nil, fmt.Errorf("%w: unknown alert type %q", ErrInvalidAlert, req.AlertType)
	}
	if req.Severity == 0 {
		req.Severity = defaultManualSeverity
	}
	if req.Severity < MinSeverity || req.Severity > MaxSeverity {
		return nil, fmt.Errorf("%w: severity must be between %d and %d", ErrInvalidAlert, MinSeverity, MaxSeverity)
	}

	campaign, err := s.store.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		return nil, err
	}
	if campaign.OwnerID != ownerID {
		return nil, ErrUnauthorized
	}

	return s.insert(ctx, &Alert{
		CampaignID:      req.CampaignID,
		AlertType:       req.AlertType,
		Severity:        req.Severity,
		Description:     req.Description,
		AffectedUserIDs: req.AffectedUserIDs,
		DetectedAt:      s.now(),
	})
}

// RaiseDetected records an alert for a real-time detection.
func (s *Service) RaiseDetected(ctx context.Context, campaignID string, v Verdict, at time.Time) (*Alert, error) {
	return s.insert(ctx, &Alert{
		CampaignID:      campaignID,
		AlertType:       v.Type,
		Severity:        clampSeverity(v.Severity),
		Description:     v.Reason,
		AffectedUserIDs: v.AffectedUserIDs,
		DetectedAt:      at,
	})
}

func (s *Service) insert(ctx context.Context, a *Alert) (*Alert, error) {
	ctx, span := traces.StartSpan(ctx, "fraud.CreateAlert",
		traces.CampaignID(a.CampaignID), traces.FraudType(string(a.AlertType)))
	defer span.End()

	a.ID = uuid.NewString()
	a.Status = StatusActive
	span.SetAttributes(traces.AlertID(a.ID))
	if a.AffectedUserIDs == nil {
		a.AffectedUserIDs = []string{}
	}
	if err := s.store.CreateAlert(ctx, a); err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("create alert: %w", err)
	}
	metrics.FraudAlertsTotal.WithLabelValues(string(a.AlertType)).Inc()
	s.notify(ctx, a)
	return a, nil
}

// UpdateAlertStatus moves an active alert to resolved or false_positive.
// Notes are appended to the description.
func (s *Service) UpdateAlertStatus(ctx context.Context, alertID, callerID string, status Status, notes string) (*Alert, error) {
	if status != StatusResolved && status != StatusFalsePositive {
		return nil, fmt.Errorf("%w: cannot move an alert to %q", ErrInvalidTransition, status)
	}

	unlock, err := s.locks.LockContext(ctx, alertID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	updated, err := s.store.UpdateAlert(ctx, alertID, func(a *Alert, ownerID string) error {
		if ownerID != callerID {
			return ErrUnauthorized
		}
		if a.Status != StatusActive {
			return fmt.Errorf("%w: alert is %s", ErrInvalidTransition, a.Status)
		}
		now := s.now()
		a.Status = status
		a.ResolvedAt = &now
		if notes = strings.TrimSpace(notes); notes != "" {
			a.Description = appendNotes(a.Description, notes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, updated)
	return updated, nil
}

func appendNotes(desc, notes string) string {
	if desc == "" {
		return notes
	}
	return desc + "\n\nNotes: " + notes
}

// ListAlerts returns one page of ownerID's alerts, newest first.
func (s *Service) ListAlerts(ctx context.Context, ownerID string, f AlertFilter) (*AlertPage, error) {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultAlertLimit
	case f.Limit > MaxAlertLimit:
		f.Limit = MaxAlertLimit
	}
	alerts, err := s.store.ListAlerts(ctx, ownerID, f)
	if err != nil {
		return nil, err
	}
	alerts, next, more := pagination.ComputePage(alerts, f.Limit, func(a *Alert) (time.Time, string) {
		return a.DetectedAt, a.ID
	})
	if alerts == nil {
		alerts = []*Alert{}
	}
	return &AlertPage{Alerts: alerts, NextCursor: next, HasMore: more}, nil
}

// Overview summarizes the last days days for ownerID.
func (s *Service) Overview(ctx context.Context, ownerID string, days int) (*Overview, error) {
	days = NormalizeDays(days)
	since := s.since(days)

	counts, err := s.store.AlertCounts(ctx, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("alert counts: %w", err)
	}

	ov := &Overview{
		TotalAlerts:          counts.Total,
		ActiveAlerts:         counts.Active,
		ThreatLevel:          ThreatLevelForActive(counts.Active),
		AlertsByType:         counts.ByType,
		TopAffectedCampaigns: []CampaignRisk{},
		WindowDays:           days,
	}
	if ov.AlertsByType == nil {
		ov.AlertsByType = map[string]int{}
	}

	// Blocked-bid and campaign aggregates are secondary; a failure leaves
	// them at zero rather than failing the view.
	blocked, saved, err := s.store.BlockedBids(ctx, ownerID, since)
	if err != nil {
		s.logger.Warn("failed to aggregate blocked bids", "ownerId", ownerID, "error", err)
	} else {
		ov.BlockedBids = blocked
		ov.AmountSaved = saved.Round(6).InexactFloat64()
	}

	top, err := s.store.TopCampaigns(ctx, ownerID, since, topCampaignsLimit)
	if err != nil {
		s.logger.Warn("failed to rank campaigns", "ownerId", ownerID, "error", err)
	}
	for _, c := range top {
		c.RiskScore = RiskScoreForAttempts(c.FraudAttempts)
		c.ThreatLevel = ThreatLevelForScore(c.RiskScore)
		ov.TopAffectedCampaigns = append(ov.TopAffectedCampaigns, c)
	}
	return ov, nil
}

// Trends returns per-day, per-type alert counts, newest day first.
func (s *Service) Trends(ctx context.Context, ownerID string, days int) ([]Trend, error) {
	trends, err := s.store.Trends(ctx, ownerID, s.since(NormalizeDays(days)))
	if err != nil {
		return nil, fmt.Errorf("fraud trends: %w", err)
	}
	if trends == nil {
		trends = []Trend{}
	}
	return trends, nil
}

// DeviceBreakdown returns device profiles with flagged bids, highest rate first.
func (s *Service) DeviceBreakdown(ctx context.Context, ownerID string, days int) ([]DeviceRisk, error) {
	rows, err := s.store.DeviceBreakdown(ctx, ownerID, s.since(NormalizeDays(days)), deviceBreakdownSize)
	if err != nil {
		return nil, fmt.Errorf("device breakdown: %w", err)
	}
	if rows == nil {
		rows = []DeviceRisk{}
	}
	return rows, nil
}

// GeoBreakdown returns locations with flagged bids, most flagged first.
func (s *Service) GeoBreakdown(ctx context.Context, ownerID string, days int) ([]GeoRisk, error) {
	rows, err := s.store.GeoBreakdown(ctx, ownerID, s.since(NormalizeDays(days)), geoBreakdownSize)
	if err != nil {
		return nil, fmt.Errorf("geo breakdown: %w", err)
	}
	if rows == nil {
		rows = []GeoRisk{}
	}
	return rows, nil
}

// RecordScreening stores the outcome of one screened decision.
func (s *Service) RecordScreening(ctx context.Context, sc *Screening) error {
	if sc.ScreenedAt.IsZero() {
		sc.ScreenedAt = s.now()
	}
	return s.store.RecordScreening(ctx, sc)
}

// NormalizeDays maps out-of-range windows to the default.
func NormalizeDays(days int) int {
	if days <= 0 || days > MaxWindowDays {
		return DefaultWindowDays
	}
	return days
}

func (s *Service) since(days int) time.Time {
	return s.now().AddDate(0, 0, -days)
}

func (s *Service) notify(ctx context.Context, a *Alert) {
	for _, n := range s.notifiers {
		cp := *a
		n.NotifyAlert(ctx, &cp)
	}
}
