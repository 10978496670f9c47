package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// SSEStream sends Server-Sent Events on one response. Writers for different
// event types share its lock, since the guest's stdout and stderr may be
// copied from separate goroutines.
type SSEStream struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	started bool
}

// NewSSEStream returns nil if the ResponseWriter does not support flushing.
func NewSSEStream(w http.ResponseWriter) *SSEStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEStream{w: w, flusher: flusher}
}

// Writer returns an io.Writer that sends each write as one event.
func (s *SSEStream) Writer(event string) io.Writer {
	return &sseWriter{stream: s, event: event}
}

// Started reports whether any event has been sent.
func (s *SSEStream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Done sends the final event carrying v as JSON.
func (s *SSEStream) Done(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode final stream event")
		data = []byte(`{"error":"internal server error","code":"INTERNAL"}`)
	}
	if err := s.send("done", string(data)); err != nil {
		log.Debug().Err(err).Msg("client went away before the final event")
	}
}

func (s *SSEStream) send(event, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	// SSE requires each line of a multi-line payload to have its own "data:" prefix.
	// Without this, a newline in guest output breaks the event boundary and could
	// inject fake SSE events.
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", event)
	for _, line := range strings.Split(payload, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type sseWriter struct {
	stream *SSEStream
	event  string
}

func (w *sseWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.stream.send(w.event, string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
