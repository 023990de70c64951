package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/user/llmgate/internal/types"
)

const keepAliveInterval = 15 * time.Second

// handleEvents streams the session's status events as SSE until the client
// goes away. Each frame's event name is the event kind.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	if _, err := s.sessions.Get(r.Context(), id); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming is unsupported by response writer")
		return
	}

	sub := s.bus.Subscribe(id, 256)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
