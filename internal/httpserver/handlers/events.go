package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
	"github.com/MrSnakeDoc/shelf/internal/livesync"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/metrics"
)

const defaultHeartbeat = 15 * time.Second

// Events streams the caller's view as server-sent events: one "view" event
// right away and one after every change, with comment lines in between to
// keep proxies from closing the connection. The stream ends when the client
// goes away or the session is released.
func Events(d deps.Deps) http.HandlerFunc {
	heartbeat := d.SSEHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID, s, ok := acquire(d, w, r)
		if !ok {
			return
		}
		log := d.Logger.With(logger.String("user_id", userID))

		rc := http.NewResponseController(w)
		// The server write timeout would cut the stream.
		if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			log.Warn("failed to clear write deadline", logger.Error(err))
		}

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-store")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		changed, stop := s.Watch()
		defer stop()

		metrics.EventStreams.Inc()
		defer metrics.EventStreams.Dec()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		var seq uint64
		send := func() (livesync.View, error) {
			v := s.View()
			data, err := json.Marshal(v)
			if err != nil {
				return v, fmt.Errorf("failed to marshal view: %w", err)
			}
			seq++
			if _, err := fmt.Fprintf(w, "event: view\nid: %d\ndata: %s\n\n", seq, data); err != nil {
				return v, err
			}
			return v, rc.Flush()
		}

		if _, err := send(); err != nil {
			log.Debug("event stream closed", logger.Error(err))
			return
		}
		log.Debug("event stream opened")

		for {
			select {
			case <-r.Context().Done():
				log.Debug("event stream closed by client")
				return

			case <-changed:
				v, err := send()
				if err != nil {
					log.Debug("event stream closed", logger.Error(err))
					return
				}
				if v.State == livesync.StateInactive {
					log.Debug("event stream ended, session released")
					return
				}

			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
					return
				}
				if err := rc.Flush(); err != nil {
					return
				}
				d.Sessions.Touch(userID)
			}
		}
	}
}
