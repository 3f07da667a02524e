package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// StreamSSE handles GET /files/{id}/events.
// It streams server-sent events for the job until it finishes or the client disconnects.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	v, err := h.files.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// Subscribe before reading the state again so a completion in between is not lost.
	ch := h.queue.Subscribe(v.ID)
	defer h.queue.Unsubscribe(v.ID, ch)
	if v, err = h.files.Get(r.Context(), v.ID); err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// If already terminal, send the result event and close immediately.
	if v.Status.IsTerminal() {
		writeSSEEvent(w, flusher, "result", v)
		return
	}

	// Send the current status so the client has an initial state.
	writeSSEEvent(w, flusher, "status", v)

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, event.Data)
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
