package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to Kafka, one topic per event type.
type KafkaPublisher struct {
	brokers     []string
	writer      *kafka.Writer
	topicByType map[Type]string
}

// NewKafkaPublisher returns a publisher for brokers. Types missing from
// topicByType are written to a topic named after the type.
func NewKafkaPublisher(brokers []string, topicByType map[Type]string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
		brokers:     brokers,
		topicByType: topicByType,
	}, nil
}

// Topic returns the topic events of type t are written to.
func (p *KafkaPublisher) Topic(t Type) string {
	if topic, ok := p.topicByType[t]; ok && topic != "" {
		return topic
	}
	return string(t)
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.Topic(ev.Type),
		Key:   []byte(ev.Key),
		Value: payload,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	})
}

// Ping dials the brokers in turn and succeeds on the first that answers.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	var errs []error
	for _, b := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_ = conn.Close()
		return nil
	}
	return fmt.Errorf("no kafka broker reachable: %w", errors.Join(errs...))
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
