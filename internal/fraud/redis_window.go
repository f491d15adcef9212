package fraud

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bidsense/bidengine/internal/circuitbreaker"
)

const redisBreakerKey = "redis:velocity"

// RedisWindow keeps sliding windows in Redis sorted sets so every replica
// counts the same traffic. Members are scored by event time in
// milliseconds.
type RedisWindow struct {
	client  redis.UniversalClient
	span    time.Duration
	prefix  string
	breaker *circuitbreaker.Breaker
}

// NewRedisWindow returns a window backed by client. Keys are namespaced
// under prefix.
func NewRedisWindow(client redis.UniversalClient, span time.Duration, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = "bidengine:velocity:"
	}
	return &RedisWindow{
		client:  client,
		span:    span,
		prefix:  prefix,
		breaker: circuitbreaker.New(5, 10*time.Second),
	}
}

// WithBreaker replaces the window's private circuit breaker.
func (w *RedisWindow) WithBreaker(b *circuitbreaker.Breaker) *RedisWindow {
	if b != nil {
		w.breaker = b
	}
	return w
}

func (w *RedisWindow) Observe(ctx context.Context, key string, ts time.Time, userID string) (WindowStats, error) {
	var members []string
	err := w.breaker.Do(redisBreakerKey, func() error {
		var err error
		members, err = w.observe(ctx, key, ts, userID)
		return err
	}, func(err error) bool {
		return !errors.Is(err, context.Canceled)
	})
	if err != nil {
		return WindowStats{}, fmt.Errorf("velocity window: %w", err)
	}

	stats := WindowStats{Count: len(members)}
	seen := make(map[string]struct{})
	for _, m := range members {
		uid := memberUserID(m)
		if uid == "" {
			continue
		}
		if _, ok := seen[uid]; !ok {
			seen[uid] = struct{}{}
			stats.UserIDs = append(stats.UserIDs, uid)
		}
	}
	sort.Strings(stats.UserIDs)
	return stats, nil
}

func (w *RedisWindow) observe(ctx context.Context, key string, ts time.Time, userID string) ([]string, error) {
	k := w.prefix + key
	now := ts.UnixMilli()
	from := ts.Add(-w.span).UnixMilli()
	// Late events up to one extra span are still counted correctly.
	stale := ts.Add(-2 * w.span).UnixMilli()

	var rng *redis.StringSliceCmd
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(now), Member: member(ts, userID)})
		pipe.ZRemRangeByScore(ctx, k, "-inf", "("+strconv.FormatInt(stale, 10))
		rng = pipe.ZRangeByScore(ctx, k, &redis.ZRangeBy{
			Min: strconv.FormatInt(from, 10),
			Max: strconv.FormatInt(now, 10),
		})
		pipe.Expire(ctx, k, 2*w.span)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rng.Val(), nil
}

// member encodes a unique sorted-set member carrying the user id.
func member(ts time.Time, userID string) string {
	return strconv.FormatInt(ts.UnixNano(), 10) + "|" + uuid.NewString() + "|" + userID
}

func memberUserID(m string) string {
	parts := strings.SplitN(m, "|", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}
