package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/inkwell-labs/inkd/internal/domain"
)

func validRevisionKind(kind string) bool {
	return kind == "" || kind == domain.RevisionKindDocument || kind == domain.RevisionKindBlock
}

// handleListRevisions returns an entity's stored revisions, newest first.
// Optional query params: kind (document|block), limit.
func (h *Handler) handleListRevisions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusServiceUnavailable, "revision store unavailable")
		return
	}

	entityID := chi.URLParam(r, "entityID")
	kind := r.URL.Query().Get("kind")
	if !validRevisionKind(kind) {
		Error(w, http.StatusBadRequest, "unknown revision kind")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	revs, err := h.repo.ListRevisions(r.Context(), entityID, kind, limit)
	if err != nil {
		slog.Error("Failed to list revisions", "entity_id", entityID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list revisions")
		return
	}
	if revs == nil {
		revs = []*domain.Revision{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"revisions": revs,
		"count":     len(revs),
	})
}

// handleLatestRevision returns the newest revision of the requested kind.
func (h *Handler) handleLatestRevision(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		Error(w, http.StatusServiceUnavailable, "revision store unavailable")
		return
	}

	entityID := chi.URLParam(r, "entityID")
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = domain.RevisionKindDocument
	}
	if !validRevisionKind(kind) {
		Error(w, http.StatusBadRequest, "unknown revision kind")
		return
	}

	rev, err := h.repo.LatestRevision(r.Context(), entityID, kind)
	if err != nil {
		slog.Error("Failed to get latest revision", "entity_id", entityID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get latest revision")
		return
	}
	if rev == nil {
		Error(w, http.StatusNotFound, "no revisions found")
		return
	}

	JSON(w, http.StatusOK, rev)
}
