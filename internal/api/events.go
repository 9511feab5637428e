package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inkwell-labs/inkd/internal/domain"
	"github.com/inkwell-labs/inkd/internal/entitytask"
	"github.com/inkwell-labs/inkd/internal/taskbus"
)

const (
	sseRetryMs        = 3000
	keepaliveInterval = 10 * time.Second
)

// handleEvents streams an entity's state over SSE. The current state is sent
// on connect, then every change; a slow reader only loses intermediate
// states, never the latest one.
func (h *Handler) handleEvents(tracker *entitytask.Tracker[domain.Revision]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID := chi.URLParam(r, "entityID")

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
			return
		}

		if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", sseRetryMs)); err != nil {
			slog.Warn("failed to write SSE retry header", "error", err, "entity_id", entityID)
			return
		}
		flusher.Flush()

		updates := make(chan entitytask.State[domain.Revision], h.cfg.Events.QueueSize)
		push := func(st entitytask.State[domain.Revision]) {
			for {
				select {
				case updates <- st:
					return
				default:
				}
				// Full buffer: drop the oldest state, the latest wins.
				select {
				case <-updates:
				default:
				}
			}
		}

		unsub := tracker.Subscribe(entityID, func() {
			push(tracker.State(entityID))
		})
		defer unsub()

		if err := writeStateEvent(w, tracker.State(entityID)); err != nil {
			slog.Warn("failed to write initial state event", "error", err, "entity_id", entityID)
			return
		}
		flusher.Flush()

		slog.Debug("State stream connected", "entity_id", entityID)

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				slog.Debug("State stream disconnected", "entity_id", entityID)
				return
			case st := <-updates:
				if err := writeStateEvent(w, st); err != nil {
					slog.Warn("failed to write state event", "error", err, "entity_id", entityID)
					return
				}
				flusher.Flush()
			case <-keepalive.C:
				if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// handleDebugEvents returns the recent task event journal for diagnostics.
func (h *Handler) handleDebugEvents(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		Error(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}
	records := h.bus.Journal().Recent()
	if records == nil {
		records = []taskbus.Record{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"events": records,
		"count":  len(records),
	})
}

func writeStateEvent(w io.Writer, st entitytask.State[domain.Revision]) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return writeSSE(w, "state", string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
