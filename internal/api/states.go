package api

import (
	"context"
	"time"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/temporal"
)

// StreamState is the JSON view of a folded stream.
type StreamState struct {
	StreamID    string    `json:"stream_id"`
	StreamType  string    `json:"stream_type"`
	Version     int64     `json:"version"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
	State       any       `json:"state"`
}

// StreamStates answers state queries for one stream type.
type StreamStates interface {
	Current(ctx context.Context, streamID string) (*StreamState, error)
	StateAt(ctx context.Context, streamID string, asOf time.Time) (*StreamState, error)
	StateAtVersion(ctx context.Context, streamID string, version int64) (*StreamState, error)
}

type temporalStates[S any] struct {
	engine *aggregate.Engine[S]
	svc    *temporal.Service[S]
}

// TemporalStates exposes an engine and its temporal service over HTTP.
func TemporalStates[S any](engine *aggregate.Engine[S], svc *temporal.Service[S]) StreamStates {
	return &temporalStates[S]{engine: engine, svc: svc}
}

func (t *temporalStates[S]) Current(ctx context.Context, streamID string) (*StreamState, error) {
	return view(t.engine.Load(ctx, streamID))
}

func (t *temporalStates[S]) StateAt(ctx context.Context, streamID string, asOf time.Time) (*StreamState, error) {
	return view(t.svc.StateAt(ctx, streamID, asOf))
}

func (t *temporalStates[S]) StateAtVersion(ctx context.Context, streamID string, version int64) (*StreamState, error) {
	return view(t.svc.StateAtVersion(ctx, streamID, version))
}

func view[S any](agg *aggregate.Aggregate[S], err error) (*StreamState, error) {
	if err != nil {
		return nil, err
	}
	return &StreamState{
		StreamID:    agg.StreamID,
		StreamType:  agg.StreamType,
		Version:     agg.Version,
		LastEventAt: agg.LastEventAt,
		State:       agg.State,
	}, nil
}
