package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/stepgate/internal/store"
	"github.com/rendis/stepgate/internal/streaming"
)

// handleListEvents returns persisted audit events.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event log is not configured")
		return
	}
	q := r.URL.Query()
	filter := store.EventFilter{
		ExecutionID: q.Get("execution_id"),
		SessionID:   q.Get("session_id"),
		EventType:   q.Get("type"),
		Limit:       queryInt(r, "limit", defaultListLimit),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
			return
		}
		filter.Since = &t
	}

	events, err := s.deps.Events.ListEvents(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleEventStream streams live hub events as Server-Sent Events.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event hub is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	filter := streaming.EventFilter{
		ExecutionID: q.Get("execution_id"),
		SessionID:   q.Get("session_id"),
	}
	if types := q.Get("types"); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", slog.String("error", err.Error()))
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
	}
}
