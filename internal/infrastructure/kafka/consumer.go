package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/logger"
)

// MessageHandler receives each decoded event.
type MessageHandler func(ctx context.Context, event store.Event) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads the event topic. Messages are committed after the handler
// returns, whether or not it failed: the topic only signals new events and
// projections track their own position in the store.
type Consumer struct {
	reader messageReader
	log    *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, log *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(reader, log)
}

func newConsumer(r messageReader, log *zap.Logger) *Consumer {
	return &Consumer{reader: r, log: logger.OrNop(log).With(zap.String("component", "kafka_consumer"))}
}

// Consume blocks until ctx is cancelled.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, kafka.ErrGroupClosed) {
				return err
			}
			c.log.Warn("error reading message", zap.Error(err))
			continue
		}

		event, err := DecodeEvent(msg)
		if err != nil {
			c.log.Warn("dropping undecodable message",
				zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
		} else if err := handler(ctx, event); err != nil {
			c.log.Warn("error handling message",
				zap.String("event_id", event.ID), zap.Int64("position", event.Position), zap.Error(err))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("failed to commit message", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// DecodeEvent parses a message written by Producer.
func DecodeEvent(msg kafka.Message) (store.Event, error) {
	var e store.Event
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		return store.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.ID == "" || e.StreamID == "" || e.Position <= 0 {
		return store.Event{}, fmt.Errorf("decode event: missing id, stream_id or position")
	}
	return e, nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
