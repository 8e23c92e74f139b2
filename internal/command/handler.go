package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/logger"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidCommand = errors.New("invalid command")
)

// RouteFunc executes one kind of command.
type RouteFunc func(ctx context.Context, cmd Command) (*Result, error)

type routeKey struct {
	streamType string
	operation  string
}

// Handler dispatches commands over a closed set of registered routes.
type Handler struct {
	mu     sync.RWMutex
	routes map[routeKey]RouteFunc
	log    *zap.Logger
}

func NewHandler(log *zap.Logger) *Handler {
	return &Handler{
		routes: make(map[routeKey]RouteFunc),
		log:    logger.OrNop(log).With(zap.String("component", "command")),
	}
}

// Register binds (streamType, operation) to fn. Each pair may be bound once.
func (h *Handler) Register(streamType, operation string, fn RouteFunc) error {
	if streamType == "" || operation == "" || fn == nil {
		return errors.New("command: stream type, operation and route are required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	key := routeKey{streamType, operation}
	if _, ok := h.routes[key]; ok {
		return fmt.Errorf("command: %s.%s already registered", streamType, operation)
	}
	h.routes[key] = fn
	return nil
}

// Routes lists the registered "StreamType.operation" names.
func (h *Handler) Routes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.routes))
	for k := range h.routes {
		out = append(out, k.streamType+"."+k.operation)
	}
	return out
}

// Dispatch runs cmd through its route.
func (h *Handler) Dispatch(ctx context.Context, cmd Command) (*Result, error) {
	h.mu.RLock()
	fn, ok := h.routes[routeKey{cmd.StreamType, cmd.Operation}]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownCommand, cmd.StreamType, cmd.Operation)
	}

	res, err := fn(ctx, cmd)
	if err != nil {
		level := zap.WarnLevel
		if errors.Is(err, aggregate.ErrDomainRuleViolation) || errors.Is(err, ErrInvalidCommand) {
			level = zap.InfoLevel
		}
		h.log.Check(level, "command rejected").Write(
			zap.String("stream_type", cmd.StreamType),
			zap.String("operation", cmd.Operation),
			zap.String("stream_id", cmd.StreamID),
			zap.Error(err))
		return nil, err
	}

	h.log.Debug("command handled",
		zap.String("stream_type", cmd.StreamType),
		zap.String("operation", cmd.Operation),
		zap.String("stream_id", res.StreamID),
		zap.Int64("version", res.Version))
	return res, nil
}

// Route binds an operation builder to an engine. Args are decoded into A.
// With create set, a missing stream starts from the zero state and an empty
// stream id is replaced by a fresh one.
func Route[S, A any](eng *aggregate.Engine[S], create bool, build func(streamID string, args A, actor string) aggregate.Operation[S]) RouteFunc {
	return func(ctx context.Context, cmd Command) (*Result, error) {
		var args A
		if len(cmd.Args) > 0 {
			if err := json.Unmarshal(cmd.Args, &args); err != nil {
				return nil, fmt.Errorf("%w: decode args: %v", ErrInvalidCommand, err)
			}
		}

		streamID := cmd.StreamID
		if streamID == "" {
			if !create {
				return nil, fmt.Errorf("%w: stream_id is required", ErrInvalidCommand)
			}
			streamID = uuid.NewString()
		}

		var opts []aggregate.HandleOption
		if create {
			opts = append(opts, aggregate.AllowCreate())
		}
		if cmd.ExpectedVersion != nil {
			opts = append(opts, aggregate.ExpectedVersion(*cmd.ExpectedVersion))
		}

		agg, stored, err := eng.Handle(ctx, streamID, build(streamID, args, cmd.Actor), opts...)
		if err != nil {
			return nil, err
		}
		return &Result{StreamID: streamID, Version: agg.Version, Events: stored}, nil
	}
}
