package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Handler processes one decoded event. A returned error makes the consumer
// retry the same message; it never moves past a message that failed.
type Handler func(ctx context.Context, e Event) error

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads a topic as part of a consumer group.
type Consumer struct {
	reader messageReader
	log    zerolog.Logger
	// retryDelays[i] is the wait after the (i+1)th failed attempt; the last entry repeats.
	retryDelays []time.Duration
}

var defaultRetryDelays = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, time.Minute}

func NewConsumer(brokers []string, topic, groupID string, logger zerolog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(reader, logger)
}

func newConsumer(r messageReader, logger zerolog.Logger) *Consumer {
	return &Consumer{reader: r, log: logger, retryDelays: defaultRetryDelays}
}

func decode(msg kafka.Message) (Event, error) {
	var e Event
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if e.Type == "" {
		for _, h := range msg.Headers {
			if h.Key == "event-type" {
				e.Type = string(h.Value)
			}
		}
	}
	if e.Subject == "" {
		e.Subject = string(msg.Key)
	}
	return e, nil
}

// Consume runs until ctx is cancelled. Offsets are committed in order, so a
// message whose handler fails is retried with backoff and blocks its
// partition until it succeeds. Undecodable messages are logged and skipped.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("failed to fetch message")
			continue
		}

		e, err := decode(msg)
		if err != nil {
			c.log.Error().Err(err).Int64("offset", msg.Offset).Msg("dropping undecodable message")
			c.commit(ctx, msg)
			continue
		}

		if err := c.handle(ctx, handler, e); err != nil {
			return err
		}
		c.commit(ctx, msg)
	}
}

// handle calls handler until it succeeds. It only gives up when ctx is done.
func (c *Consumer) handle(ctx context.Context, handler Handler, e Event) error {
	for attempt := 1; ; attempt++ {
		err := handler(ctx, e)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := c.retryDelay(attempt)
		c.log.Error().Err(err).
			Str("event_id", e.ID).
			Str("event_type", e.Type).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("failed to process event")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Consumer) retryDelay(attempt int) time.Duration {
	if len(c.retryDelays) == 0 {
		return time.Second
	}
	i := attempt - 1
	if i >= len(c.retryDelays) {
		i = len(c.retryDelays) - 1
	}
	return c.retryDelays[i]
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.log.Error().Err(err).Msg("failed to commit message")
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Locker is the part of the prescription service the access consumer drives.
type Locker interface {
	ForceLock(ctx context.Context, id, reason string) error
}

// AccessConsumedHandler locks a prescription when billing or dispensing for it
// completes. Unknown event types are acknowledged and ignored. isNotFound lets
// the caller classify missing records so they are not redelivered forever.
func AccessConsumedHandler(l Locker, isNotFound func(error) bool, logger zerolog.Logger) Handler {
	return func(ctx context.Context, e Event) error {
		switch e.Type {
		case TypeBillingCompleted, TypeDispensingCompleted:
		default:
			return nil
		}
		if e.Subject == "" {
			logger.Warn().Str("event_id", e.ID).Msg("access event without prescription id")
			return nil
		}
		err := l.ForceLock(ctx, e.Subject, e.Type)
		if err != nil && isNotFound != nil && isNotFound(err) {
			logger.Warn().Str("prescription_id", e.Subject).Str("event_type", e.Type).Msg("access event for unknown prescription")
			return nil
		}
		return err
	}
}
