package fraud

import (
	"context"
	"sort"
	"sync"
	"time"
)

// WindowStats describes the events in one trailing window.
type WindowStats struct {
	Count   int
	UserIDs []string
}

// Window counts events per key over a trailing duration ending at the
// observed event's own timestamp, inclusive of that event.
type Window interface {
	Observe(ctx context.Context, key string, ts time.Time, userID string) (WindowStats, error)
}

const maxWindowEntries = 10000

type windowEntry struct {
	at     time.Time
	userID string
}

type keyWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	latest  time.Time
}

// MemoryWindow keeps per-key sliding windows in process. It is exact for a
// single replica; use RedisWindow when several replicas share traffic.
type MemoryWindow struct {
	span    time.Duration
	windows sync.Map // map[string]*keyWindow
}

// NewMemoryWindow returns a window of the given span.
func NewMemoryWindow(span time.Duration) *MemoryWindow {
	return &MemoryWindow{span: span}
}

func (w *MemoryWindow) Observe(ctx context.Context, key string, ts time.Time, userID string) (WindowStats, error) {
	if err := ctx.Err(); err != nil {
		return WindowStats{}, err
	}
	v, _ := w.windows.LoadOrStore(key, &keyWindow{})
	kw := v.(*keyWindow)

	kw.mu.Lock()
	defer kw.mu.Unlock()

	kw.entries = append(kw.entries, windowEntry{at: ts, userID: userID})
	if ts.After(kw.latest) {
		kw.latest = ts
	}
	defer kw.prune(w.span)

	from := ts.Add(-w.span)
	var stats WindowStats
	seen := make(map[string]struct{})
	for _, e := range kw.entries {
		if e.at.Before(from) || e.at.After(ts) {
			continue
		}
		stats.Count++
		if e.userID == "" {
			continue
		}
		if _, ok := seen[e.userID]; !ok {
			seen[e.userID] = struct{}{}
			stats.UserIDs = append(stats.UserIDs, e.userID)
		}
	}
	sort.Strings(stats.UserIDs)
	return stats, nil
}

// prune drops entries that can no longer fall inside any window ending at
// or after the latest timestamp seen, and caps the slice. Caller holds mu.
func (kw *keyWindow) prune(span time.Duration) {
	cutoff := kw.latest.Add(-span)
	kept := kw.entries[:0]
	for _, e := range kw.entries {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	kw.entries = kept
	if len(kw.entries) > maxWindowEntries {
		kw.entries = kw.entries[len(kw.entries)-maxWindowEntries:]
	}
}
