package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/memory-broker/internal/adapter/observability"
)

// EventsHandler streams bus events as server-sent events. Clients narrow the
// feed with ?channels=a,b,prefix:* (default "*"). Delivery is at most once;
// slow consumers lose oldest events rather than stalling publishers.
func (s *Server) EventsHandler(writeTimeout, keepalive time.Duration) http.HandlerFunc {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		patterns := []string{"*"}
		if raw := r.URL.Query().Get("channels"); raw != "" {
			patterns = patterns[:0]
			for _, p := range strings.Split(raw, ",") {
				if p = strings.TrimSpace(p); p != "" {
					patterns = append(patterns, p)
				}
			}
			if len(patterns) == 0 {
				patterns = []string{"*"}
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		// Disable proxy buffering so events reach the client promptly.
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		sub := s.Bus.Subscribe(patterns...)
		defer s.Bus.Unsubscribe(sub)
		observability.StreamSubscribers.Inc()
		defer observability.StreamSubscribers.Dec()
		defer func() { observability.EventsDroppedTotal.Add(float64(sub.Dropped())) }()

		rc := http.NewResponseController(w)
		write := func(payload string) bool {
			_ = rc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := fmt.Fprint(w, payload); err != nil {
				return false
			}
			flusher.Flush()
			return true
		}

		// The first frame uses the same envelope as every event, so clients
		// need no special-case parsing; it carries their stream identity.
		hello, _ := json.Marshal(map[string]any{
			"channel":   "connected",
			"payload":   map[string]any{"client_id": newReqID(), "channels": patterns},
			"timestamp": time.Now().UTC(),
		})
		if !write("event: connected\ndata: " + string(hello) + "\n\n") {
			return
		}

		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if !write(": keepalive\n\n") {
					return
				}
			case ev, open := <-sub.C():
				if !open {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if !write("event: " + ev.Channel + "\ndata: " + string(data) + "\n\n") {
					return
				}
			}
		}
	}
}
