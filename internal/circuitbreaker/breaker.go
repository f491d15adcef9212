// Package circuitbreaker guards calls to flaky dependencies such as the
// remote inference service and the Redis velocity window.
//
// Each dependency key moves closed → open after a run of consecutive
// failures, then half-open after a cool-down, where a single probe decides
// whether it closes again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/bidsense/bidengine/internal/metrics"
)

// ErrOpen is returned by Do when the circuit for a key rejects the call.
var ErrOpen = errors.New("circuit open")

// State is the breaker state for one key.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks circuits per dependency key.
type Breaker struct {
	threshold int
	coolDown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
	notify   func(key string, from, to State)
}

// New returns a breaker that opens after threshold consecutive failures and
// probes again after coolDown.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
}

// OnTransition registers fn to run (in its own goroutine) on every state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

// Allow reports whether a call to key may proceed. An open circuit whose
// cool-down has elapsed admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.coolDown {
			return false
		}
		b.move(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

// RecordSuccess closes a probing circuit and clears the failure run.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	if c.state == StateHalfOpen {
		b.move(key, c, StateClosed)
	}
}

// RecordFailure extends the failure run and opens the circuit once it
// reaches the threshold. A failed probe reopens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	switch {
	case c.state == StateHalfOpen:
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	}
}

// Abandon releases a call that ended without a verdict, such as one whose
// caller went away. The failure run is untouched; an abandoned probe
// returns the circuit to open so the next call probes again.
func (b *Breaker) Abandon(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok && c.state == StateHalfOpen {
		b.move(key, c, StateOpen)
	}
}

// State returns the state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Do runs fn when the circuit for key allows it and records the outcome.
// Errors for which countable returns false (for example a caller's context
// cancellation) are passed through without counting against the circuit.
func (b *Breaker) Do(key string, fn func() error, countable func(error) bool) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess(key)
	case countable == nil || countable(err):
		b.RecordFailure(key)
	default:
		b.Abandon(key)
	}
	return err
}

// move changes state. b.mu must be held.
func (b *Breaker) move(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	metrics.CircuitTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	if fn := b.notify; fn != nil {
		go fn(key, from, to)
	}
}
