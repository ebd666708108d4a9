package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/webedt/coding-worker/pkg/events"
)

// sseWriter serializes events onto one Server-Sent Events response. Once a
// write fails the connection is considered gone and further sends become
// no-ops; the job itself keeps running.
type sseWriter struct {
	w            http.ResponseWriter
	flusher      http.Flusher
	logger       *slog.Logger
	disconnected bool
}

func newSSEWriter(w http.ResponseWriter, logger *slog.Logger) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disables proxy buffering so events reach the client as they happen.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher, logger: logger}, nil
}

// send writes one event as a data frame. The first failed write marks the
// stream disconnected.
func (s *sseWriter) send(ev events.Event) {
	if s.disconnected {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.disconnected = true
		s.logger.Info("event stream client disconnected", "error", err)
		return
	}
	s.flusher.Flush()
}

// markDisconnected stops further writes; used when the request context is
// cancelled by the client going away.
func (s *sseWriter) markDisconnected() {
	s.disconnected = true
}
