// Package events publishes decision and fraud events to the event bus.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Type names an event on the bus.
type Type string

const (
	TypeBidDecided Type = "bid.decided"
	TypeBidOutcome Type = "bid.outcome"
	TypeFraudAlert Type = "fraud.alert"
)

// Event is one message on the bus. Key is the partition key, normally the
// campaign id, so a campaign's events stay ordered.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
}

// Publisher delivers events to a bus.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
	Close() error
}

// NoopPublisher discards events. It is used when no bus is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, *Event) error { return nil }
func (NoopPublisher) Close() error                          { return nil }

// MemoryPublisher keeps published events in order.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []*Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (m *MemoryPublisher) Publish(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryPublisher) Close() error { return nil }

// Events returns a snapshot of everything published so far.
func (m *MemoryPublisher) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Event, len(m.events))
	copy(out, m.events)
	return out
}

var (
	_ Publisher = NoopPublisher{}
	_ Publisher = (*MemoryPublisher)(nil)
	_ Publisher = (*KafkaPublisher)(nil)
)
