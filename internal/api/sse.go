package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gallerydl/gdlsync/internal/view"
)

// StreamEvents handles GET /api/v1/events?mode=&origin=.
// It streams a "jobs" projection on every change, a "key" event for every
// recomputed key bound under origin and a "trigger" event whenever a button
// bound from origin changes its visual. Without an origin every key and
// trigger event is sent.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	mode, origin, err := viewParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	updates := h.eng.Subscribe()
	defer h.eng.Unsubscribe(updates)
	triggers := h.hub.Subscribe(origin)
	defer h.hub.Unsubscribe(origin, triggers)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send the current projection so the client has an initial state.
	writeSSEEvent(w, flusher, "jobs", h.eng.Projection(mode, origin))

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case u, open := <-updates:
			if !open {
				return
			}
			reg := h.eng.Registry()
			writeSSEEvent(w, flusher, "jobs", view.Project(u.Jobs, mode, origin, reg))
			var bound []string
			if origin != "" {
				bound = reg.KeysForOrigin(origin)
			}
			for _, ks := range u.Keys {
				if origin == "" || slices.Contains(bound, ks.Key) {
					writeSSEEvent(w, flusher, "key", ks)
				}
			}
		case ev := <-triggers:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, ev.Data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
