package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/logger"
)

const (
	headerEventType  = "event_type"
	headerStreamType = "stream_type"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer forwards committed events to a topic. Messages are keyed by
// stream id so each stream stays ordered within its partition.
type Producer struct {
	writer messageWriter
	log    *zap.Logger
}

func NewProducer(brokers []string, topic string, log *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return newProducer(writer, log)
}

func newProducer(w messageWriter, log *zap.Logger) *Producer {
	return &Producer{writer: w, log: logger.OrNop(log).With(zap.String("component", "kafka_producer"))}
}

// Publish implements store.Publisher.
func (p *Producer) Publish(ctx context.Context, events []store.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, len(events))
	for i, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		msgs[i] = kafka.Message{
			Key:   []byte(e.StreamID),
			Value: data,
			Time:  e.OccurredAt,
			Headers: []kafka.Header{
				{Key: headerEventType, Value: []byte(e.EventType)},
				{Key: headerStreamType, Value: []byte(e.StreamType)},
			},
		}
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages: %w", len(msgs), err)
	}
	p.log.Debug("events published",
		zap.Int("count", len(events)),
		zap.Int64("last_position", events[len(events)-1].Position))
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
