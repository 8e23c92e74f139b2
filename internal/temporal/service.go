// Package temporal answers "what did this stream look like then" questions
// by folding a prefix of the stream. It never writes: no snapshots are
// captured and no events are appended.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/logger"
)

const (
	defaultPageSize    = 500
	defaultConcurrency = 8
)

var ErrInvalidCutoff = errors.New("invalid cutoff")

type Service[S any] struct {
	engine      *aggregate.Engine[S]
	log         *zap.Logger
	pageSize    int
	concurrency int
}

func NewService[S any](engine *aggregate.Engine[S], log *zap.Logger) *Service[S] {
	return &Service[S]{
		engine:      engine,
		log:         logger.OrNop(log).With(zap.String("component", "temporal"), zap.String("stream_type", engine.StreamType())),
		pageSize:    defaultPageSize,
		concurrency: defaultConcurrency,
	}
}

// StateAt folds the events that occurred at or before asOf.
func (s *Service[S]) StateAt(ctx context.Context, streamID string, asOf time.Time) (*aggregate.Aggregate[S], error) {
	if asOf.IsZero() {
		return nil, fmt.Errorf("%w: as_of timestamp is required", ErrInvalidCutoff)
	}
	return s.engine.LoadUntil(ctx, streamID, aggregate.Cutoff{AsOf: asOf})
}

// StateAtVersion folds the events up to and including version. Version 0
// yields the zero state of an existing stream.
func (s *Service[S]) StateAtVersion(ctx context.Context, streamID string, version int64) (*aggregate.Aggregate[S], error) {
	if version < 0 {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidCutoff, version)
	}
	if version == 0 {
		head, err := s.engine.Events().Head(ctx, streamID)
		if err != nil {
			return nil, err
		}
		if head == 0 {
			return nil, fmt.Errorf("%w: %s", store.ErrStreamNotFound, streamID)
		}
		return s.engine.Zero(streamID), nil
	}
	return s.engine.LoadUntil(ctx, streamID, aggregate.Cutoff{Version: version})
}

// StatesAt evaluates StateAt for every stream. Streams that do not exist are
// left out of the result.
func (s *Service[S]) StatesAt(ctx context.Context, streamIDs []string, asOf time.Time) (map[string]*aggregate.Aggregate[S], error) {
	results := make([]*aggregate.Aggregate[S], len(streamIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range streamIDs {
		g.Go(func() error {
			agg, err := s.StateAt(gctx, id, asOf)
			if errors.Is(err, store.ErrStreamNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("state of %s at %s: %w", id, asOf.Format(time.RFC3339Nano), err)
			}
			results[i] = agg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*aggregate.Aggregate[S], len(streamIDs))
	for _, agg := range results {
		if agg != nil {
			out[agg.StreamID] = agg
		}
	}
	return out, nil
}

// StreamsChangedSince lists the streams of this aggregate type with at least
// one event at or after ts, in order of their first such event.
func (s *Service[S]) StreamsChangedSince(ctx context.Context, ts time.Time) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string

	var from int64
	for {
		page, err := s.engine.Events().ReadFromTimestamp(ctx, ts, from, s.pageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			from = e.Position
			if e.StreamType != s.engine.StreamType() {
				continue
			}
			if _, ok := seen[e.StreamID]; ok {
				continue
			}
			seen[e.StreamID] = struct{}{}
			ids = append(ids, e.StreamID)
		}
	}
	s.log.Debug("streams changed", zap.Time("since", ts), zap.Int("count", len(ids)))
	return ids, nil
}
