package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bidsense/bidengine/internal/bidding"
	"github.com/bidsense/bidengine/internal/fraud"
	"github.com/bidsense/bidengine/internal/metrics"
	"github.com/bidsense/bidengine/internal/retry"
)

const (
	DefaultQueueSize = 1024

	publishAttempts  = 3
	publishBaseDelay = 100 * time.Millisecond
	publishTimeout   = 10 * time.Second
	drainTimeout     = 5 * time.Second
)

// Emitter queues events and publishes them from a single background loop.
// Emit methods never block; when the queue is full the event is dropped.
type Emitter struct {
	pub    Publisher
	queue  chan *Event
	logger *slog.Logger
	now    func() time.Time

	baseDelay time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
}

// NewEmitter returns an emitter over pub with a queue of queueSize events.
func NewEmitter(pub Publisher, queueSize int, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Emitter{
		pub:       pub,
		queue:     make(chan *Event, queueSize),
		logger:    logger,
		now:       time.Now,
		baseDelay: publishBaseDelay,
		stop:      make(chan struct{}),
	}
}

// NotifyAlert implements fraud.AlertNotifier.
func (e *Emitter) NotifyAlert(_ context.Context, a *fraud.Alert) {
	e.emit(TypeFraudAlert, a.CampaignID, a)
}

// PublishDecision implements bidding.DecisionPublisher.
func (e *Emitter) PublishDecision(_ context.Context, d *bidding.Decision) {
	e.emit(TypeBidDecided, d.CampaignID, d)
}

// PublishOutcome implements bidding.DecisionPublisher.
func (e *Emitter) PublishOutcome(_ context.Context, d *bidding.Decision) {
	e.emit(TypeBidOutcome, d.CampaignID, d)
}

func (e *Emitter) emit(t Type, key string, data interface{}) {
	if e == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		e.logger.Warn("failed to encode event", "type", t, "error", err)
		return
	}
	ev := &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: e.now().UTC(),
		Key:       key,
		Data:      raw,
	}
	select {
	case e.queue <- ev:
	default:
		metrics.EventsPublishedTotal.WithLabelValues(string(t), "dropped").Inc()
		e.logger.Warn("event queue full, dropping event", "type", t, "key", key)
	}
}

// Running reports whether the publish loop is active.
func (e *Emitter) Running() bool {
	return e.running.Load()
}

// Start publishes queued events until ctx is done or Stop is called, then
// drains what is left in the queue. Call in a goroutine.
func (e *Emitter) Start(ctx context.Context) {
	e.running.Store(true)
	defer e.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return
		case <-e.stop:
			e.drain()
			return
		case ev := <-e.queue:
			e.safePublish(ctx, ev)
		}
	}
}

// Stop signals the loop to drain and exit. It is safe to call more than once.
func (e *Emitter) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *Emitter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-e.queue:
			e.safePublish(ctx, ev)
		default:
			return
		}
	}
}

func (e *Emitter) safePublish(ctx context.Context, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic publishing event", "type", ev.Type, "panic", fmt.Sprint(r))
		}
	}()

	err := retry.Do(ctx, publishAttempts, e.baseDelay, func() error {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		return e.pub.Publish(pctx, ev)
	})
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type), "error").Inc()
		e.logger.Warn("event publish failed", "type", ev.Type, "id", ev.ID, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type), "ok").Inc()
}
