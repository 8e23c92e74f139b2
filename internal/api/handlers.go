package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/eventcore/internal/api/middleware"
	"github.com/example/eventcore/internal/command"
	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/logger"
	"github.com/example/eventcore/internal/projection"
	"github.com/example/eventcore/internal/query"
	"github.com/example/eventcore/internal/temporal"
	"github.com/example/eventcore/internal/upcast"
)

type Handlers struct {
	cmdHandler   *command.Handler
	queryHandler *query.Handler
	projections  *projection.Manager
	states       map[string]StreamStates
	log          *zap.Logger

	// background bounds rebuilds started over HTTP.
	background context.Context
	jobs       sync.WaitGroup
}

type Deps struct {
	Commands    *command.Handler
	Queries     *query.Handler
	Projections *projection.Manager
	// States maps a stream type to its temporal query service.
	States map[string]StreamStates
	Logger *zap.Logger
}

// NewHandlers builds the HTTP handlers. ctx outlives individual requests and
// is the parent of background jobs.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{
		cmdHandler:   deps.Commands,
		queryHandler: deps.Queries,
		projections:  deps.Projections,
		states:       deps.States,
		log:          logger.OrNop(deps.Logger).With(zap.String("component", "api")),
		background:   ctx,
	}
}

// Wait blocks until background jobs have returned.
func (h *Handlers) Wait() { h.jobs.Wait() }

// Command Handlers

func (h *Handlers) DispatchCommand(w http.ResponseWriter, r *http.Request) {
	var cmd command.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		respondJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cmd.Actor = middleware.GetSubject(r.Context())

	res, err := h.cmdHandler.Dispatch(r.Context(), cmd)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Temporal Handlers

// GetStreamState answers "what did this stream look like at as_of, or at
// version". With neither parameter the current state is returned.
func (h *Handlers) GetStreamState(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	states, ok := h.statesFor(r.URL.Query().Get("type"))
	if !ok {
		respondJSONError(w, "unknown or missing stream type", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	var (
		state *StreamState
		err   error
	)
	switch {
	case q.Get("as_of") != "" && q.Get("version") != "":
		respondJSONError(w, "as_of and version are mutually exclusive", http.StatusBadRequest)
		return
	case q.Get("as_of") != "":
		asOf, perr := time.Parse(time.RFC3339Nano, q.Get("as_of"))
		if perr != nil {
			respondJSONError(w, "as_of must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		state, err = states.StateAt(r.Context(), streamID, asOf)
	case q.Get("version") != "":
		version, perr := strconv.ParseInt(q.Get("version"), 10, 64)
		if perr != nil {
			respondJSONError(w, "version must be an integer", http.StatusBadRequest)
			return
		}
		state, err = states.StateAtVersion(r.Context(), streamID, version)
	default:
		state, err = states.Current(r.Context(), streamID)
	}
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (h *Handlers) statesFor(streamType string) (StreamStates, bool) {
	if streamType == "" && len(h.states) == 1 {
		for _, s := range h.states {
			return s, true
		}
	}
	s, ok := h.states[streamType]
	return s, ok
}

// Order Handlers

func (h *Handlers) GetOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.queryHandler.ListOrders(r.Context(), query.OrderFilter{
		UserID: r.URL.Query().Get("user_id"),
		Status: r.URL.Query().Get("status"),
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, orders)
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, found, err := h.queryHandler.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if !found {
		respondJSONError(w, "order not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queryHandler.Stats(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondJSONError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps core errors onto status codes. Anything unrecognised is a
// 500 and is logged; the caller only sees a generic message.
func (h *Handlers) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *store.ConcurrencyConflictError
	switch {
	case errors.As(err, &conflict):
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":          "concurrency conflict, please retry",
			"stream_id":      conflict.StreamID,
			"actual_version": conflict.Actual,
		})
	case errors.Is(err, aggregate.ErrDomainRuleViolation):
		respondJSONError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, store.ErrStreamNotFound), errors.Is(err, projection.ErrUnknownProjection):
		respondJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, command.ErrUnknownCommand), errors.Is(err, command.ErrInvalidCommand),
		errors.Is(err, temporal.ErrInvalidCutoff), errors.Is(err, store.ErrInvalidExpectedVersion):
		respondJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, projection.ErrNotStalled):
		respondJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, upcast.ErrUpcastFailure), errors.Is(err, aggregate.ErrUnknownEvent):
		h.log.Error("stored event cannot be upcast",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		respondJSONError(w, "data integrity error: stored event cannot be read", http.StatusInternalServerError)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondJSONError(w, "request cancelled", http.StatusServiceUnavailable)
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		respondJSONError(w, "internal server error", http.StatusInternalServerError)
	}
}
