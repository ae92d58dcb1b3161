package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"territoria.org/internal/stream"
)

const keepAliveInterval = 25 * time.Second

// Stream pushes committed matrix changes as Server-Sent Events.
// An optional user_id query parameter narrows the stream to one user.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		unavailable(w, r, "streaming")
		return
	}
	userID, err := parseInt64(r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "user_id "+err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.events.Subscribe(r.Context(), stream.Filter{UserID: userID})

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: matrix\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}
