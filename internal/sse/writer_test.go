package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyteller/internal/event"
	"storyteller/internal/model"
)

func TestNewWriterHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NotNil(t, w)

	h := rec.Header()
	assert.Equal(t, "text/event-stream", h.Get("Content-Type"))
	assert.Equal(t, "no-cache", h.Get("Cache-Control"))
	assert.Equal(t, "keep-alive", h.Get("Connection"))
	assert.Equal(t, "no", h.Get("X-Accel-Buffering"))
	assert.True(t, rec.Flushed)
}

// plainResponseWriter implements http.ResponseWriter without http.Flusher.
type plainResponseWriter struct {
	header http.Header
}

func (p *plainResponseWriter) Header() http.Header {
	if p.header == nil {
		p.header = http.Header{}
	}
	return p.header
}

func (p *plainResponseWriter) Write(b []byte) (int, error) { return len(b), nil }

func (p *plainResponseWriter) WriteHeader(int) {}

func TestNewWriterRequiresFlusher(t *testing.T) {
	assert.Nil(t, NewWriter(&plainResponseWriter{}))
}

func TestFrameWireFormat(t *testing.T) {
	frame, err := Frame(event.Envelope{Type: "content", Data: event.ContentData{Chunk: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"content\",\"data\":{\"chunk\":\"hello\"}}\n\n", string(frame))
}

func TestSendWritesFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NotNil(t, w)
	ctx := context.Background()

	require.NoError(t, w.Send(ctx, event.StageStarted("generate_content")))
	require.NoError(t, w.Send(ctx, event.Content("generate_content", "First paragraph.")))

	body := rec.Body.String()
	assert.Equal(t,
		"data: {\"type\":\"node_event\",\"data\":{\"node\":\"generate_content\",\"status\":\"started\"}}\n\n"+
			"data: {\"type\":\"content\",\"data\":{\"chunk\":\"First paragraph.\"}}\n\n",
		body)
}

func TestSendAfterTerminal(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NotNil(t, w)
	ctx := context.Background()

	require.NoError(t, w.Send(ctx, event.Error("GENERATION_FAILED", "model unavailable")))
	assert.True(t, w.Terminated())

	err := w.Send(ctx, event.Content("generate_content", "too late"))
	assert.ErrorIs(t, err, ErrTerminated)

	// body holds exactly the one terminal frame
	assert.Equal(t,
		"data: {\"type\":\"error\",\"data\":{\"code\":\"GENERATION_FAILED\",\"message\":\"model unavailable\"}}\n\n",
		rec.Body.String())
}

func TestSendHonorsContext(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NotNil(t, w)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Send(ctx, event.StageStarted("generate_content"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.Body.String())
}

func TestHeartbeat(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)
	require.NotNil(t, w)

	w.Heartbeat()
	assert.Equal(t, ": heartbeat\n\n", rec.Body.String())

	// heartbeats stop after the terminal frame
	require.NoError(t, w.Send(context.Background(), event.Complete(model.StoryRecord{ID: "r1", Content: []string{}})))
	before := rec.Body.Len()
	w.Heartbeat()
	assert.Equal(t, before, rec.Body.Len())
}
