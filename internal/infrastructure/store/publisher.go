package store

import (
	"context"
	"iter"

	"go.uber.org/zap"

	"github.com/example/eventcore/internal/logger"
	"github.com/example/eventcore/internal/metrics"
)

// Publisher receives events after they are durably appended.
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, events []Event) error

func (f PublisherFunc) Publish(ctx context.Context, events []Event) error {
	return f(ctx, events)
}

// PublishingStore decorates an event store so that every successful append
// is handed to the publishers. Publication never happens before the append
// is durable, and a failed publication does not fail the append: consumers
// that read the log directly catch up on their own.
type PublishingStore struct {
	EventStoreInterface
	publishers []Publisher
	log        *zap.Logger
	metrics    metrics.Recorder
}

func NewPublishingStore(inner EventStoreInterface, log *zap.Logger, m metrics.Recorder, publishers ...Publisher) *PublishingStore {
	return &PublishingStore{
		EventStoreInterface: inner,
		publishers:          publishers,
		log:                 logger.OrNop(log).With(zap.String("component", "publisher")),
		metrics:             metrics.OrNop(m),
	}
}

func (s *PublishingStore) Append(ctx context.Context, streamID, streamType string, expectedVersion int64, events []EventData) ([]Event, error) {
	stored, err := s.EventStoreInterface.Append(ctx, streamID, streamType, expectedVersion, events)
	if err != nil {
		return nil, err
	}
	for _, p := range s.publishers {
		if err := p.Publish(ctx, stored); err != nil {
			s.metrics.PublishFailed()
			s.log.Warn("failed to publish appended events",
				zap.String("stream_id", streamID),
				zap.Int64("head", stored[len(stored)-1].Version),
				zap.Error(err))
		}
	}
	return stored, nil
}

// EventsSeq lazily walks the global log from fromPosition in pages of batch
// events. It stops at the current tail, on error, or when ctx is done.
func EventsSeq(ctx context.Context, r EventReader, fromPosition int64, batch int) iter.Seq2[Event, error] {
	if batch <= 0 {
		batch = 256
	}
	return func(yield func(Event, error) bool) {
		pos := fromPosition
		for {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			events, err := r.ReadAll(ctx, pos, batch)
			if err != nil {
				yield(Event{}, err)
				return
			}
			if len(events) == 0 {
				return
			}
			for _, e := range events {
				if !yield(e, nil) {
					return
				}
				pos = e.Position
			}
			if len(events) < batch {
				return
			}
		}
	}
}
