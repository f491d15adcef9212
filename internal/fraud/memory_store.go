package fraud

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu         sync.RWMutex
	campaigns  map[string]*Campaign
	alerts     map[string]*Alert
	screenings []*Screening
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: make(map[string]*Campaign),
		alerts:    make(map[string]*Alert),
	}
}

func (m *MemoryStore) PutCampaign(_ context.Context, c *Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCampaign(_ context.Context, id string) (*Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = copyAlert(a)
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return copyAlert(a), nil
}

func (m *MemoryStore) UpdateAlert(_ context.Context, id string, fn func(a *Alert, ownerID string) error) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	owner := ""
	if c, ok := m.campaigns[cur.CampaignID]; ok {
		owner = c.OwnerID
	}

	a := copyAlert(cur)
	if err := fn(a, owner); err != nil {
		return nil, err
	}
	m.alerts[id] = copyAlert(a)
	return a, nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, ownerID string, f AlertFilter) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Alert
	for _, a := range m.alerts {
		if !m.ownedBy(a.CampaignID, ownerID) || !matches(a, f) {
			continue
		}
		if f.Cursor != nil && !f.Cursor.Before(a.DetectedAt, a.ID) {
			continue
		}
		out = append(out, copyAlert(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit+1 {
		out = out[:f.Limit+1]
	}
	return out, nil
}

func matches(a *Alert, f AlertFilter) bool {
	switch {
	case f.Status != "" && a.Status != f.Status:
		return false
	case f.AlertType != "" && a.AlertType != f.AlertType:
		return false
	case f.MinSeverity > 0 && a.Severity < f.MinSeverity:
		return false
	case !f.Since.IsZero() && a.DetectedAt.Before(f.Since):
		return false
	case !f.Until.IsZero() && a.DetectedAt.After(f.Until):
		return false
	}
	return true
}

func (m *MemoryStore) RecordScreening(_ context.Context, s *Screening) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.screenings = append(m.screenings, &cp)
	return nil
}

func (m *MemoryStore) AlertCounts(_ context.Context, ownerID string, since time.Time) (*AlertCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := &AlertCounts{ByType: make(map[string]int)}
	for _, a := range m.alerts {
		if !m.ownedBy(a.CampaignID, ownerID) || a.DetectedAt.Before(since) {
			continue
		}
		counts.Total++
		if a.Status == StatusActive {
			counts.Active++
		}
		counts.ByType[string(a.AlertType)]++
	}
	return counts, nil
}

func (m *MemoryStore) BlockedBids(_ context.Context, ownerID string, since time.Time) (int64, decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	saved := decimal.Zero
	for _, s := range m.screenings {
		if !s.Flagged || s.ScreenedAt.Before(since) || !m.ownedBy(s.CampaignID, ownerID) {
			continue
		}
		n++
		saved = saved.Add(s.BidPrice)
	}
	return n, saved, nil
}

func (m *MemoryStore) TopCampaigns(_ context.Context, ownerID string, since time.Time, limit int) ([]CampaignRisk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attempts := make(map[string]int)
	for _, a := range m.alerts {
		if a.DetectedAt.Before(since) || !m.ownedBy(a.CampaignID, ownerID) {
			continue
		}
		attempts[a.CampaignID]++
	}

	out := make([]CampaignRisk, 0, len(attempts))
	for id, n := range attempts {
		out = append(out, CampaignRisk{CampaignID: id, CampaignName: m.campaigns[id].Name, FraudAttempts: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FraudAttempts != out[j].FraudAttempts {
			return out[i].FraudAttempts > out[j].FraudAttempts
		}
		return out[i].CampaignID < out[j].CampaignID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Trends(_ context.Context, ownerID string, since time.Time) ([]Trend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type key struct {
		date string
		typ  AlertType
	}
	counts := make(map[key]int)
	for _, a := range m.alerts {
		if a.DetectedAt.Before(since) || !m.ownedBy(a.CampaignID, ownerID) {
			continue
		}
		counts[key{a.DetectedAt.UTC().Format(time.DateOnly), a.AlertType}]++
	}

	out := make([]Trend, 0, len(counts))
	for k, n := range counts {
		out = append(out, Trend{Date: k.date, AlertType: k.typ, FraudAttempts: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].AlertType < out[j].AlertType
	})
	return out, nil
}

type tally struct {
	total, flagged int
}

func (m *MemoryStore) DeviceBreakdown(_ context.Context, ownerID string, since time.Time, limit int) ([]DeviceRisk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	groups := make(map[[3]string]*tally)
	for _, s := range m.screeningsFor(ownerID, since) {
		k := [3]string{s.DeviceType, s.Browser, s.OS}
		groups[k] = groups[k].add(s.Flagged)
	}

	out := make([]DeviceRisk, 0, len(groups))
	for k, t := range groups {
		if t.flagged == 0 {
			continue
		}
		out = append(out, DeviceRisk{
			DeviceType: k[0], Browser: k[1], OS: k[2],
			TotalBids: t.total, FraudBids: t.flagged, FraudRate: rate(t.flagged, t.total),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FraudRate != out[j].FraudRate {
			return out[i].FraudRate > out[j].FraudRate
		}
		return out[i].FraudBids > out[j].FraudBids
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GeoBreakdown(_ context.Context, ownerID string, since time.Time, limit int) ([]GeoRisk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	groups := make(map[[3]string]*tally)
	for _, s := range m.screeningsFor(ownerID, since) {
		k := [3]string{s.Country, s.Region, s.City}
		groups[k] = groups[k].add(s.Flagged)
	}

	out := make([]GeoRisk, 0, len(groups))
	for k, t := range groups {
		if t.flagged == 0 {
			continue
		}
		out = append(out, GeoRisk{
			Country: k[0], Region: k[1], City: k[2],
			TotalBids: t.total, FraudBids: t.flagged, FraudRate: rate(t.flagged, t.total),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FraudBids != out[j].FraudBids {
			return out[i].FraudBids > out[j].FraudBids
		}
		return out[i].FraudRate > out[j].FraudRate
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tally) add(flagged bool) *tally {
	if t == nil {
		t = &tally{}
	}
	t.total++
	if flagged {
		t.flagged++
	}
	return t
}

// screeningsFor returns owned screenings since the cutoff. Caller holds mu.
func (m *MemoryStore) screeningsFor(ownerID string, since time.Time) []*Screening {
	var out []*Screening
	for _, s := range m.screenings {
		if !s.ScreenedAt.Before(since) && m.ownedBy(s.CampaignID, ownerID) {
			out = append(out, s)
		}
	}
	return out
}

// ownedBy reports whether campaignID belongs to ownerID. Caller holds mu.
func (m *MemoryStore) ownedBy(campaignID, ownerID string) bool {
	c, ok := m.campaigns[campaignID]
	return ok && c.OwnerID == ownerID
}

func copyAlert(a *Alert) *Alert {
	cp := *a
	cp.AffectedUserIDs = append(make([]string, 0, len(a.AffectedUserIDs)), a.AffectedUserIDs...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
