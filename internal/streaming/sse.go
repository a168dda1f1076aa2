package streaming

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
)

// SSEWriter writes events as server-sent event frames, flushing after each
// frame when the writer supports it.
type SSEWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter wraps w. Any writer works; http.Flusher is used when present.
func NewSSEWriter(w io.Writer) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

// StartSSE sets the event-stream headers on w, commits the status and returns
// a writer for the response body.
func StartSSE(w http.ResponseWriter) (*SSEWriter, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, errors.New("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return NewSSEWriter(w), nil
}

func (s *SSEWriter) Emit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := ev.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
