package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nextcloud/app-api-sub001/pkg/events"
)

// keepAliveInterval spaces SSE comments sent while no event arrives
var keepAliveInterval = 30 * time.Second

// streamEvents streams lifecycle events as server-sent events. ?appid=
// restricts the stream to one ExApp and ?type= to a type prefix.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.broker.Subscribe(events.Filter{
		AppID:      r.URL.Query().Get("appid"),
		TypePrefix: r.URL.Query().Get("type"),
	})
	defer s.broker.Unsubscribe(sub)
	s.logger.Debug().Int("subscribers", s.broker.SubscriberCount()).Msg("Event stream opened")
	defer func() {
		s.logger.Debug().Uint64("dropped_total", s.broker.Dropped()).Msg("Event stream closed")
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-sub:
			if !ok {
				return
			}
			if err := writeEvent(w, event); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to write event")
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
	return err
}
