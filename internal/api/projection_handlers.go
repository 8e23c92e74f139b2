package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/example/eventcore/internal/projection"
)

// Projection Handlers

func (h *Handlers) ListProjections(w http.ResponseWriter, r *http.Request) {
	infos, err := h.projections.States(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, infos)
}

func (h *Handlers) GetProjection(w http.ResponseWriter, r *http.Request) {
	info, err := h.projections.State(r.Context(), r.PathValue("name"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// RebuildProjection starts a rebuild and returns immediately. Progress is
// visible through GetProjection.
func (h *Handlers) RebuildProjection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := h.projections.State(r.Context(), name); err != nil {
		h.respondErr(w, r, err)
		return
	}

	h.jobs.Add(1)
	go func() {
		defer h.jobs.Done()
		if err := h.projections.Rebuild(h.background, name); err != nil {
			level := zap.ErrorLevel
			if errors.Is(err, context.Canceled) || errors.Is(err, projection.ErrProjectionHandlerFailure) {
				level = zap.WarnLevel
			}
			h.log.Check(level, "rebuild did not complete").Write(zap.String("projection", name), zap.Error(err))
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{
		"projection": name,
		"message":    "rebuild started",
	})
}

func (h *Handlers) GetQuarantine(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := h.projections.State(r.Context(), name); err != nil {
		h.respondErr(w, r, err)
		return
	}
	entries, err := h.projections.Quarantined(r.Context(), name)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handlers) ResumeProjection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var skip bool
	if v := r.URL.Query().Get("skip"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			respondJSONError(w, "skip must be a boolean", http.StatusBadRequest)
			return
		}
		skip = parsed
	}

	if err := h.projections.Resume(r.Context(), name, projection.ResumeOptions{Skip: skip}); err != nil {
		h.respondErr(w, r, err)
		return
	}
	info, err := h.projections.State(r.Context(), name)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}
