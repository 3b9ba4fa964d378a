// Package events publishes prescription lifecycle events to Kafka and consumes
// the downstream events that end a share (billing or dispensing completed).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Published event types.
const (
	TypeCreated  = "prescription.created"
	TypeAnchored = "prescription.anchored"
	TypeShared   = "prescription.shared"
	TypeLocked   = "prescription.locked"
	TypeRedeemed = "prescription.redeemed"
)

// Consumed event types that consume a share and force the record locked.
const (
	TypeBillingCompleted    = "billing.completed"
	TypeDispensingCompleted = "dispensing.completed"
)

const source = "rxtrust"

// Event is the envelope written to and read from Kafka. Subject carries the
// prescription id.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Subject   string                 `json:"subject"`
	Actor     string                 `json:"actor,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Publisher emits domain events. Publishing is fire-and-forget from the
// caller's point of view; failures are logged by the implementation.
type Publisher interface {
	Publish(ctx context.Context, eventType, subject, actor string, data map[string]interface{})
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, string, string, map[string]interface{}) {}

// Producer writes events to a single topic.
type Producer struct {
	writer *kafka.Writer
	log    zerolog.Logger
	now    func() time.Time
}

func NewProducer(brokers []string, topic string, logger zerolog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Producer{writer: writer, log: logger, now: time.Now}
}

// buildMessage keys messages by subject so every event about one prescription
// lands on the same partition in order.
func buildMessage(e Event) (kafka.Message, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(e.Subject),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
			{Key: "source", Value: []byte(e.Source)},
		},
		Time: e.Timestamp,
	}, nil
}

func (p *Producer) newEvent(eventType, subject, actor string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Actor:     actor,
		Data:      data,
		Timestamp: p.now().UTC(),
	}
}

func (p *Producer) Publish(ctx context.Context, eventType, subject, actor string, data map[string]interface{}) {
	e := p.newEvent(eventType, subject, actor, data)
	msg, err := buildMessage(e)
	if err != nil {
		p.log.Error().Err(err).Str("event_type", eventType).Msg("failed to encode event")
		return
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error().Err(err).
			Str("event_id", e.ID).
			Str("event_type", eventType).
			Msg("failed to publish event")
		return
	}
	p.log.Debug().
		Str("event_id", e.ID).
		Str("event_type", eventType).
		Str("topic", p.writer.Topic).
		Msg("event published")
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
