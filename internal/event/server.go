package event

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fixzit/claimd/internal/eventbus"
)

const subscriberBuffer = 64

// Server streams lifecycle events to observers as NDJSON.
type Server struct {
	bus *eventbus.Bus
}

func NewServer(bus *eventbus.Bus) *Server {
	return &Server{bus: bus}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/events", s.handleStream)
}

// handleStream writes one JSON event per line until the client
// disconnects. Events dropped because a slow reader filled its buffer
// are lost; the task documents remain the source of truth.
func (s *Server) handleStream(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	typeFilter := eventbus.EventType(r.URL.Query().Get("type"))
	keyFilter := r.URL.Query().Get("task_key")

	id, ch := s.bus.Subscribe(subscriberBuffer)
	defer s.bus.Unsubscribe(id)

	rw.Header().Set("Content-Type", "application/x-ndjson")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(rw)
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := rw.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			if typeFilter != "" && ev.Type != typeFilter {
				continue
			}
			if keyFilter != "" && ev.TaskKey != keyFilter {
				continue
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
