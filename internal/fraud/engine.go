package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bidsense/bidengine/internal/logging"
	"github.com/bidsense/bidengine/internal/metrics"
	"github.com/bidsense/bidengine/internal/syncutil"
	"github.com/bidsense/bidengine/internal/traces"
)

// Engine defaults.
const (
	DefaultRuleTimeout   = 50 * time.Millisecond
	DefaultAlertCooldown = 5 * time.Minute
	alertWriteTimeout    = 5 * time.Second
)

// AlertRaiser persists alerts for detections. Service implements it.
type AlertRaiser interface {
	RaiseDetected(ctx context.Context, campaignID string, v Verdict, at time.Time) (*Alert, error)
}

// Engine evaluates rules in priority order; the first rule that fires wins.
// A rule that errors or exceeds its timeout is treated as not fired.
type Engine struct {
	rules       []Rule
	ruleTimeout time.Duration
	logger      *slog.Logger

	raiser   AlertRaiser
	cooldown time.Duration
	now      func() time.Time
	keyLocks syncutil.KeyLocks
	lastSeen sync.Map // "campaign|type" → time.Time
	pending  sync.WaitGroup
}

// NewEngine returns an engine over rules, evaluated in the given order.
func NewEngine(logger *slog.Logger, rules ...Rule) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:       rules,
		ruleTimeout: DefaultRuleTimeout,
		cooldown:    DefaultAlertCooldown,
		logger:      logger,
		now:         time.Now,
	}
}

// WithRuleTimeout overrides the per-rule budget.
func (e *Engine) WithRuleTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.ruleTimeout = d
	}
	return e
}

// WithAlerts persists detections through r, at most once per campaign and
// alert type within cooldown.
func (e *Engine) WithAlerts(r AlertRaiser, cooldown time.Duration) *Engine {
	e.raiser = r
	if cooldown > 0 {
		e.cooldown = cooldown
	}
	return e
}

// Detect screens ev. It never fails; rule failures are logged and skipped.
func (e *Engine) Detect(ctx context.Context, ev *BidEvent) Result {
	ctx, span := traces.StartSpan(ctx, "fraud.Detect", traces.CampaignID(ev.CampaignID))
	defer span.End()

	for _, rule := range e.rules {
		v, err := e.check(ctx, rule, ev)
		if err != nil {
			metrics.FraudRuleErrorsTotal.WithLabelValues(rule.Name()).Inc()
			logging.L(ctx).Warn("fraud rule failed open",
				"rule", rule.Name(), "campaignId", ev.CampaignID, "error", err)
			continue
		}
		if !v.Fired {
			continue
		}

		metrics.FraudDetectionsTotal.WithLabelValues(string(v.Type)).Inc()
		span.SetAttributes(traces.FraudType(string(v.Type)))
		e.raise(ev, v)
		return Result{IsFraud: true, Type: v.Type, Reason: v.Reason}
	}
	return Result{}
}

type checkResult struct {
	v   Verdict
	err error
}

// check runs rule under its own deadline. The rule runs in a goroutine so a
// rule that ignores ctx still cannot hold the decision past the budget.
func (e *Engine) check(ctx context.Context, rule Rule, ev *BidEvent) (v Verdict, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.ruleTimeout)
	defer cancel()

	done := make(chan checkResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- checkResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := rule.Check(ctx, ev)
		done <- checkResult{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return Verdict{}, ctx.Err()
	}
}

// raise persists an alert in the background unless one was raised for the
// same campaign and type within the cooldown.
func (e *Engine) raise(ev *BidEvent, v Verdict) {
	if e.raiser == nil || ev.CampaignID == "" {
		return
	}
	key := ev.CampaignID + "|" + string(v.Type)
	now := e.now()

	unlock := e.keyLocks.Lock(key)
	if last, ok := e.lastSeen.Load(key); ok && now.Sub(last.(time.Time)) < e.cooldown {
		unlock()
		return
	}
	e.lastSeen.Store(key, now)
	unlock()

	at := ev.Timestamp
	if at.IsZero() {
		at = now
	}

	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), alertWriteTimeout)
		defer cancel()
		if _, err := e.raiser.RaiseDetected(ctx, ev.CampaignID, v, at); err != nil {
			// Allow the next detection to retry.
			e.lastSeen.Delete(key)
			e.logger.Warn("failed to persist fraud alert",
				"campaignId", ev.CampaignID, "type", v.Type, "error", err)
		}
	}()
}

// Wait blocks until background alert writes finish.
func (e *Engine) Wait() {
	e.pending.Wait()
}
