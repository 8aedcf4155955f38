// Package sse writes text/event-stream responses.
package sse

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	HeartbeatInterval = 30 * time.Second
)

var ErrStreamingUnsupported = errors.New("streaming not supported")

type Stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewStream sets the streaming headers. It fails when the writer cannot flush.
func NewStream(w http.ResponseWriter) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &Stream{w: w, flusher: flusher}, nil
}

// Send writes one event. Multi-line data is split over several data: fields.
func (s *Stream) Send(eventType string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\n", eventType); err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *Stream) Heartbeat() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
