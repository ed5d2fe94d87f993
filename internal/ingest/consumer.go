package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/commute-matching/internal/models"
	"github.com/example/commute-matching/internal/observability"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Applier projects a change event into the local index.
type Applier interface {
	ApplyEvent(ctx context.Context, ev models.ParticipantEvent) error
}

// Consumer follows the participant change topic so that an instance's index
// also reflects writes made through other instances.
type Consumer struct {
	reader     MessageReader
	applier    Applier
	logger     *slog.Logger
	attempts   int
	retryDelay time.Duration
	maxBackoff time.Duration
}

// NewKafkaReader builds a reader for the change topic. Every instance needs
// every event, so group should be unique per instance. A new group starts at
// the tail; history is covered by warming the index from the registry.
func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6, StartOffset: kafka.LastOffset})
}

func NewConsumer(r MessageReader, a Applier, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:     r,
		applier:    a,
		logger:     logger,
		attempts:   3,
		retryDelay: 200 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run consumes until ctx is cancelled. Read errors back off exponentially;
// malformed messages and events that still fail after retries are counted,
// logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() { _ = c.reader.Close() }()

	backoff := time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("shutting down consumer")
				return nil
			}
			c.logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		observability.EventsConsumed.Inc()

		var ev models.ParticipantEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.ParticipantID == "" {
			observability.EventsInvalid.Inc()
			c.logger.Warn("invalid message", "error", err, "offset", m.Offset)
			continue
		}

		if err := applyWithRetry(ctx, c.applier, ev, c.attempts, c.retryDelay); err != nil {
			observability.EventsFailed.Inc()
			c.logger.Error("apply participant event failed", "participant_id", ev.ParticipantID, "error", err)
			continue
		}
		observability.EventsApplied.Inc()
	}
}

// applyWithRetry retries a failed apply with doubling delay.
func applyWithRetry(ctx context.Context, a Applier, ev models.ParticipantEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = a.ApplyEvent(ctx, ev); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
