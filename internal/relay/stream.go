package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// StreamWriter serializes writes and flushes to an event stream and refuses
// to write once ctx is done.
type StreamWriter struct {
	mu  sync.Mutex
	w   io.Writer
	f   http.Flusher
	ctx context.Context
}

// NewStreamWriter returns a StreamWriter, or false when w cannot flush.
func NewStreamWriter(ctx context.Context, w http.ResponseWriter) (*StreamWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &StreamWriter{w: w, f: f, ctx: ctx}, true
}

// StartStream writes the event stream headers and flushes them.
func StartStream(w http.ResponseWriter, sw *StreamWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	sw.Flush()
}

// Event writes one SSE frame. Empty event and id fields are omitted.
func (s *StreamWriter) Event(event, id string, data []byte) error {
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	for _, line := range strings.Split(string(data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return s.writeFlush(b.String())
}

// Comment writes an SSE comment frame, used for keep-alives.
func (s *StreamWriter) Comment(text string) error {
	return s.writeFlush(": " + text + "\n\n")
}

func (s *StreamWriter) writeFlush(frame string) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if _, err := io.WriteString(s.w, frame); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	s.f.Flush()
	return nil
}

// Flush flushes buffered output unless the stream is done.
func (s *StreamWriter) Flush() {
	if s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.f.Flush()
}
