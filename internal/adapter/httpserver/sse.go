package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/relay/internal/domain"
)

func newTicker(d time.Duration) *time.Ticker {
	if d <= 0 {
		d = 15 * time.Second
	}
	return time.NewTicker(d)
}

// isAuthenticated checks Basic credentials against the configured admin
// pair. With no pair configured nobody authenticates and every subscriber
// gets the redacted stream.
func (s *Server) isAuthenticated(r *http.Request) bool {
	if !s.Cfg.AdminEnabled() {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.Cfg.AdminUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.Cfg.AdminPassword)) == 1
	return userOK && passOK
}

type sseEvent struct {
	Type      string         `json:"type"`
	Queue     string         `json:"queue"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// redact strips payload detail down to counts for unauthenticated
// subscribers.
func redact(ev domain.Event) sseEvent {
	out := sseEvent{Type: string(ev.Type), Queue: ev.Queue, Timestamp: ev.Timestamp.Unix()}
	if ev.Payload != nil {
		if c, ok := ev.Payload["count"]; ok {
			out.Payload = map[string]any{"count": c}
		}
	}
	return out
}

func full(ev domain.Event) sseEvent {
	return sseEvent{Type: string(ev.Type), Queue: ev.Queue, Timestamp: ev.Timestamp.Unix(), Payload: ev.Payload}
}

// EventsHandler handles GET /queue/events: a server-sent event stream of
// queue-update frames with periodic ping heartbeats.
func (s *Server) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInvalidArgument), nil)
			return
		}
		authed := s.isAuthenticated(r)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		events, unsubscribe := s.Engine.Events().Subscribe()
		defer unsubscribe()

		heartbeat := newTicker(s.Cfg.SSEHeartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, "event: ping\ndata: {}\n\n")
				flusher.Flush()
			case ev, open := <-events:
				if !open {
					return
				}
				frame := full(ev)
				if !authed {
					frame = redact(ev)
				}
				data, err := json.Marshal(frame)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: queue-update\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
