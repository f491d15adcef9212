package bidding

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// RateWindow is the trailing span rates are computed over.
const RateWindow = time.Minute

// RateBroadcaster receives periodic per-campaign rates. The realtime hub
// implements it.
type RateBroadcaster interface {
	BroadcastRates(campaignID string, at time.Time, rates interface{})
}

// Rates summarizes one campaign over the trailing RateWindow.
type Rates struct {
	Bids           int     `json:"bids"`
	BidRate        float64 `json:"bid_rate"` // bids per second
	WinRate        float64 `json:"win_rate"`
	ConversionRate float64 `json:"conversion_rate"`
	SpendRate      float64 `json:"spend_rate"` // win price per second
}

type rateSample struct {
	at        time.Time
	outcome   bool
	won       bool
	converted bool
	spend     float64
}

// RateTracker keeps per-campaign samples and broadcasts their rates on an
// interval.
type RateTracker struct {
	mu        sync.Mutex
	campaigns map[string][]rateSample

	sink     RateBroadcaster
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewRateTracker returns a tracker that broadcasts to sink every interval.
func NewRateTracker(sink RateBroadcaster, interval time.Duration, logger *slog.Logger) *RateTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &RateTracker{
		campaigns: make(map[string][]rateSample),
		sink:      sink,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// RecordDecision counts one bid.
func (t *RateTracker) RecordDecision(campaignID string, at time.Time) {
	t.add(campaignID, rateSample{at: at})
}

// RecordOutcome counts one reported auction result.
func (t *RateTracker) RecordOutcome(campaignID string, o Outcome, at time.Time) {
	t.add(campaignID, rateSample{at: at, outcome: true, won: o.Won, converted: o.Converted, spend: o.WinPrice})
}

func (t *RateTracker) add(campaignID string, s rateSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.campaigns[campaignID] = append(t.campaigns[campaignID], s)
}

// Snapshot prunes samples older than RateWindow and returns the current
// rates of every campaign that still has samples.
func (t *RateTracker) Snapshot(now time.Time) map[string]Rates {
	cutoff := now.Add(-RateWindow)
	secs := RateWindow.Seconds()

	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Rates, len(t.campaigns))
	for id, samples := range t.campaigns {
		kept := samples[:0]
		for _, s := range samples {
			if !s.at.Before(cutoff) {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(t.campaigns, id)
			continue
		}
		t.campaigns[id] = kept

		var bids, wins, conversions int
		var spend float64
		for _, s := range kept {
			switch {
			case !s.outcome:
				bids++
			case s.won:
				wins++
				spend += s.spend
				if s.converted {
					conversions++
				}
			}
		}
		r := Rates{Bids: bids, BidRate: float64(bids) / secs, SpendRate: spend / secs}
		// Outcomes can arrive for bids already pruned from the window.
		if bids > 0 {
			r.WinRate = min(1, float64(wins)/float64(bids))
		}
		if wins > 0 {
			r.ConversionRate = float64(conversions) / float64(wins)
		}
		out[id] = r
	}
	return out
}

// Running reports whether the broadcast loop is active.
func (t *RateTracker) Running() bool {
	return t.running.Load()
}

// Start runs the broadcast loop until ctx is done or Stop is called.
func (t *RateTracker) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeBroadcast()
		}
	}
}

// Stop signals the loop to exit. It is safe to call more than once.
func (t *RateTracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *RateTracker) safeBroadcast() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in rate broadcast", "panic", fmt.Sprint(r))
		}
	}()
	t.broadcast()
}

func (t *RateTracker) broadcast() {
	now := t.now().UTC()
	snap := t.Snapshot(now)
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t.sink.BroadcastRates(id, now, snap[id])
	}
}
