// Package api provides HTTP handlers for the inkd sidecar API.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inkwell-labs/inkd/internal/config"
	"github.com/inkwell-labs/inkd/internal/domain"
	"github.com/inkwell-labs/inkd/internal/entitytask"
	"github.com/inkwell-labs/inkd/internal/store"
	"github.com/inkwell-labs/inkd/internal/taskbus"
)

// Handler serves the renderer-facing API for both authoring surfaces.
type Handler struct {
	writer  *entitytask.Tracker[domain.Revision]
	enhance *entitytask.Tracker[domain.Revision]
	repo    store.Repository
	bus     *taskbus.Bus
	cfg     *config.Config
	limiter *RateLimiter
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(writer, enhance *entitytask.Tracker[domain.Revision], repo store.Repository, bus *taskbus.Bus, cfg *config.Config) *Handler {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 120
	}
	return &Handler{
		writer:  writer,
		enhance: enhance,
		repo:    repo,
		bus:     bus,
		cfg:     cfg,
		limiter: NewRateLimiter(limit, time.Minute),
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// SubmitRequest is the body of a submit call on either authoring surface.
// Settings decodes as a patch so an explicit zero in the body overrides a
// remembered non-zero value.
type SubmitRequest struct {
	Prompt       string               `json:"prompt"`
	SystemPrompt string               `json:"system_prompt,omitempty"`
	SeedContent  string               `json:"seed_content,omitempty"`
	Settings     domain.SettingsPatch `json:"settings,omitempty"`
}

// RegisterRoutes registers all renderer-facing routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	h.mountTracker(r, "/api/write", h.writer)
	h.mountTracker(r, "/api/enhance", h.enhance)

	r.Route("/api/revisions", func(r chi.Router) {
		r.Get("/{entityID}", h.handleListRevisions)
		r.Get("/{entityID}/latest", h.handleLatestRevision)
	})

	r.Get("/api/debug/events", h.handleDebugEvents)
}

// mountTracker registers the per-entity operation routes for one surface.
func (h *Handler) mountTracker(r chi.Router, base string, tracker *entitytask.Tracker[domain.Revision]) {
	r.Route(base+"/{entityID}", func(r chi.Router) {
		r.Post("/submit", h.handleSubmit(tracker))
		r.Post("/cancel", h.handleCancel(tracker))
		r.Post("/clear", h.handleClear(tracker))
		r.Get("/", h.handleState(tracker))
		r.Get("/events", h.handleEvents(tracker))
		r.Delete("/", h.handleDelete(tracker))
	})
}

func (h *Handler) handleSubmit(tracker *entitytask.Tracker[domain.Revision]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow(clientKey(r)) {
			Error(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			Error(w, http.StatusBadRequest, "prompt is required")
			return
		}

		entityID := chi.URLParam(r, "entityID")
		tracker.Submit(r.Context(), entityID, req.Prompt, entitytask.SubmitOptions{
			SystemPrompt: req.SystemPrompt,
			SeedContent:  req.SeedContent,
			Settings:     req.Settings,
		})

		JSON(w, http.StatusAccepted, tracker.State(entityID))
	}
}

func (h *Handler) handleCancel(tracker *entitytask.Tracker[domain.Revision]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID := chi.URLParam(r, "entityID")
		tracker.Cancel(r.Context(), entityID)
		JSON(w, http.StatusOK, tracker.State(entityID))
	}
}

func (h *Handler) handleClear(tracker *entitytask.Tracker[domain.Revision]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID := chi.URLParam(r, "entityID")
		tracker.Clear(entityID)
		JSON(w, http.StatusOK, tracker.State(entityID))
	}
}

func (h *Handler) handleState(tracker *entitytask.Tracker[domain.Revision]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, tracker.State(chi.URLParam(r, "entityID")))
	}
}

func (h *Handler) handleDelete(tracker *entitytask.Tracker[domain.Revision]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID := chi.URLParam(r, "entityID")
		tracker.Remove(r.Context(), entityID)

		var removed int64
		if h.repo != nil {
			n, err := h.repo.DeleteRevisions(r.Context(), entityID)
			if err != nil {
				Error(w, http.StatusInternalServerError, "failed to delete revisions")
				return
			}
			removed = n
		}

		JSON(w, http.StatusOK, map[string]interface{}{
			"deleted":           true,
			"revisions_removed": removed,
		})
	}
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.limiter.Close()
}

// clientKey identifies the caller for rate limiting. The sidecar listens on
// loopback, so the address is the client identity.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
