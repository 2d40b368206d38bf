package broadcast

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var ErrStreamingUnsupported = errors.New("streaming unsupported")

// SSESink writes events to a text/event-stream response.
type SSESink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSESink prepares w for streaming and writes the response headers.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &SSESink{w: w, rc: http.NewResponseController(w)}
	if err := s.rc.Flush(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SSESink) Send(ctx context.Context, ev Event) error {
	frame, err := ev.SSE()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		// Not every writer supports deadlines; the write still goes through.
		_ = s.rc.SetWriteDeadline(deadline)
		defer s.rc.SetWriteDeadline(time.Time{})
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Close is a no-op; the handler owns the response.
func (s *SSESink) Close() error {
	return nil
}
