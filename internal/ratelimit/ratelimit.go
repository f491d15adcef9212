// Package ratelimit provides per-caller token bucket rate limiting for the
// bid and fraud APIs.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bidsense/bidengine/internal/metrics"
)

// CallerHeader identifies the caller when set by the upstream gateway.
// Requests without it are keyed by client IP.
const CallerHeader = "X-User-ID"

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per caller.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the sustained rate.
	BurstSize int
	// CleanupInterval is how often idle callers are forgotten.
	CleanupInterval time.Duration
	// ExemptPrefixes are path prefixes that are never limited.
	ExemptPrefixes []string
}

// DefaultConfig suits a bidder fronted by one exchange connection: a high
// sustained rate with room for auction bursts.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         50,
		CleanupInterval:   time.Minute,
		ExemptPrefixes:    []string{"/health", "/metrics"},
	}
}

// Limiter tracks token buckets by key.
type Limiter struct {
	cfg      Config
	perSec   float64
	mu       sync.Mutex
	clients  map[string]*bucket
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// New creates a limiter and starts its cleanup goroutine. Call Stop when
// done.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		perSec:  float64(cfg.RequestsPerMinute) / 60,
		clients: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops buckets that have refilled completely; they are
// indistinguishable from new callers.
func (l *Limiter) evictIdle() {
	full := time.Duration(float64(l.cfg.BurstSize) / l.perSec * float64(time.Second))
	cutoff := l.now().Add(-full)
	l.mu.Lock()
	for key, b := range l.clients {
		if b.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
	l.mu.Unlock()
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow takes a token for key. When none is available it reports how long
// until one will be.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[key]
	if !ok {
		l.clients[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastSeen: now}
		return true, 0
	}

	b.tokens = math.Min(float64(l.cfg.BurstSize), b.tokens+now.Sub(b.lastSeen).Seconds()*l.perSec)
	b.lastSeen = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.perSec * float64(time.Second))
	return false, wait
}

// Middleware rate limits by caller id, falling back to client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range l.cfg.ExemptPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, p) {
				c.Next()
				return
			}
		}

		key := "ip:" + c.ClientIP()
		if caller := c.GetHeader(CallerHeader); caller != "" {
			key = "caller:" + caller
		}

		allowed, wait := l.Allow(key)
		if !allowed {
			metrics.RateLimitedTotal.Inc()
			retryAfter := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
