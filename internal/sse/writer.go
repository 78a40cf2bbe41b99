// Package sse frames event envelopes onto a server-sent-event stream. One
// Writer serves exactly one run and one client connection.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"storyteller/internal/event"
)

// ErrTerminated is returned by Send after a terminal event has been written.
var ErrTerminated = errors.New("sse: stream already terminated")

// Writer sends story stage events to an http.ResponseWriter as SSE frames.
// It implements event.Sink. Frames are written in call order; the writer
// performs no reordering, batching or deduplication.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu         sync.Mutex // serializes frames and heartbeats
	terminated bool
}

// NewWriter prepares a response writer for event streaming and flushes the
// headers. Returns nil if the ResponseWriter doesn't support http.Flusher.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}
}

// Send encodes the event and writes one frame. After a terminal event has
// been written every further Send fails with ErrTerminated: the stream never
// carries more than one terminal frame and nothing after it.
func (s *Writer) Send(ctx context.Context, ev event.StageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return ErrTerminated
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	env, err := event.Encode(ev)
	if err != nil {
		return err
	}
	frame, err := Frame(env)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(frame); err != nil {
		return fmt.Errorf("sse: write frame: %w", err)
	}
	s.flusher.Flush()

	if ev.Terminal() {
		s.terminated = true
	}
	return nil
}

// Terminated reports whether a terminal frame has been written.
func (s *Writer) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Heartbeat writes an SSE comment line to keep intermediaries from timing
// out the connection. Comments are not frames and never reach the event
// contract.
func (s *Writer) Heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	fmt.Fprint(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// Frame renders one envelope as wire bytes: "data: " + JSON + "\n\n". The
// blank line is the frame delimiter; each frame's JSON body parses
// independently of all others.
func Frame(env event.Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("sse: marshal envelope: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + 8)
	buf.WriteString("data: ")
	buf.Write(body)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

var _ event.Sink = (*Writer)(nil)
