package bidding

import (
	"context"
	"sync"
	"time"

	"github.com/bidsense/bidengine/internal/features"
)

// MemoryStore is an in-memory HistoryStore for tests and single-node runs.
type MemoryStore struct {
	mu         sync.RWMutex
	decisions  map[string]*Decision
	byCampaign map[string][]*Decision
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		decisions:  make(map[string]*Decision),
		byCampaign: make(map[string][]*Decision),
	}
}

var _ HistoryStore = (*MemoryStore)(nil)

func (m *MemoryStore) RecordDecision(_ context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyDecision(d)
	m.decisions[d.PredictionID] = cp
	m.byCampaign[d.CampaignID] = append(m.byCampaign[d.CampaignID], cp)
	return nil
}

func (m *MemoryStore) GetDecision(_ context.Context, predictionID string) (*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.decisions[predictionID]
	if !ok {
		return nil, ErrDecisionNotFound
	}
	return copyDecision(d), nil
}

func (m *MemoryStore) RecordOutcome(_ context.Context, predictionID string, o Outcome, at time.Time) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.decisions[predictionID]
	if !ok {
		return nil, ErrDecisionNotFound
	}
	if d.Won != nil {
		return nil, ErrOutcomeRecorded
	}
	won, price := o.Won, o.WinPrice
	d.Won = &won
	if won {
		d.WinPrice = &price
	}
	d.Converted = o.Converted
	d.OutcomeAt = &at
	return copyDecision(d), nil
}

func (m *MemoryStore) Stats(_ context.Context, campaignID string, now time.Time) (features.History, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statsFrom := now.Add(-StatsWindow)
	spendFrom := now.Add(-SpendWindow)

	var (
		h                 features.History
		wins              int
		bidSum, winPrices float64
	)
	for _, d := range m.byCampaign[campaignID] {
		if d.DecidedAt.Before(statsFrom) || d.DecidedAt.After(now) {
			continue
		}
		h.TotalBids++
		bidSum += d.BidPrice
		if d.Won != nil && *d.Won {
			wins++
			winPrices += *d.WinPrice
			if !d.DecidedAt.Before(spendFrom) {
				h.Spend7d += *d.WinPrice
			}
		}
		if d.Converted && !d.DecidedAt.Before(spendFrom) {
			h.Conversions7d++
		}
	}
	if h.TotalBids == 0 {
		return h, nil
	}
	h.WinRate = float64(wins) / float64(h.TotalBids)
	h.AvgBid = bidSum / float64(h.TotalBids)
	if wins > 0 {
		h.AvgWinPrice = winPrices / float64(wins)
	}
	return h, nil
}
