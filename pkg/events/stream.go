package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Stream is the per-job event channel. Every pipeline layer publishes into
// it; the transport layer is the single subscriber that serializes events to
// the wire. Publish never blocks indefinitely: when the buffer stays full
// past the backpressure window the event is dropped and counted.
type Stream struct {
	ch      chan Event
	logger  *slog.Logger
	dropped atomic.Int64

	// mu orders sends against close: publishers hold the read side across
	// the send so Close cannot close the channel mid-send.
	mu     sync.RWMutex
	closed bool
}

// DefaultBuffer is the send-buffer size used for job streams.
const DefaultBuffer = 256

// backpressureWindow bounds how long Publish waits on a full buffer.
const backpressureWindow = 5 * time.Second

// NewStream creates a stream with the given buffer size.
func NewStream(buffer int, logger *slog.Logger) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		ch:     make(chan Event, buffer),
		logger: logger,
	}
}

// Publish enqueues an event, preserving program order. On a full buffer it
// logs, waits up to the backpressure window, then drops the event rather
// than stalling the job.
func (s *Stream) Publish(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- e:
		return
	default:
	}

	s.logger.Warn("event buffer full, applying backpressure", "type", e.Type)
	timer := time.NewTimer(backpressureWindow)
	defer timer.Stop()
	select {
	case s.ch <- e:
	case <-timer.C:
		s.logger.Error("dropping event after backpressure window", "type", e.Type, "dropped_total", s.dropped.Add(1))
	}
}

// Events returns the receive side consumed by the transport.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded under backpressure.
func (s *Stream) Dropped() int {
	return int(s.dropped.Load())
}

// Close ends the stream. Publish becomes a no-op; the channel is closed so
// the subscriber drains remaining events and returns.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
