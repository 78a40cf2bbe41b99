package client

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyteller/internal/event"
	"storyteller/internal/model"
	"storyteller/internal/sse"
)

func frame(t *testing.T, ev event.StageEvent) string {
	t.Helper()
	env, err := event.Encode(ev)
	require.NoError(t, err)
	b, err := sse.Frame(env)
	require.NoError(t, err)
	return string(b)
}

func successStream(t *testing.T) string {
	t.Helper()
	story := model.StoryRecord{
		ID:             "run-1",
		Title:          "Forest Adventure",
		Content:        []string{"Maya walked into the forest.", "A fox appeared."},
		ChoiceQuestion: "What should Maya do next?",
		SafetyScore:    1.0,
	}
	var b strings.Builder
	b.WriteString(frame(t, event.StageStarted("generate_content")))
	b.WriteString(frame(t, event.Content("generate_content", "Maya walked into the forest.")))
	b.WriteString(": heartbeat\n\n")
	b.WriteString(frame(t, event.Content("generate_content", "A fox appeared.")))
	b.WriteString(frame(t, event.StageCompleted("generate_content")))
	b.WriteString(frame(t, event.SafetyResult("safety_check", model.SafetyVerdict{Approved: true, Score: 1.0, Issues: []string{}})))
	b.WriteString(frame(t, event.Metadata("calculate_metrics", model.StoryMetadata{EstimatedReadingTime: 1, VocabularyLevel: "beginner"})))
	b.WriteString(frame(t, event.Complete(story)))
	return b.String()
}

func TestRunReassemblesStream(t *testing.T) {
	r := NewReassembler(nil)
	assert.Equal(t, PhaseIdle, r.State().Phase)

	final := r.Run(context.Background(), strings.NewReader(successStream(t)))

	assert.Equal(t, PhaseCompleted, final.Phase)
	assert.Equal(t, []string{"Maya walked into the forest.", "A fox appeared."}, final.Chunks)
	assert.Equal(t, "Maya walked into the forest.\n\nA fox appeared.", final.ContentSoFar())
	require.NotNil(t, final.Safety)
	assert.True(t, final.Safety.Approved)
	require.NotNil(t, final.Metrics)
	assert.Equal(t, 1, final.Metrics.EstimatedReadingTime)
	require.NotNil(t, final.Story)
	assert.Equal(t, "run-1", final.Story.ID)
	assert.Equal(t, final.Chunks, final.Story.Content)
	assert.Nil(t, final.Failure)
}

// chunkedReader 以很小的读块返回，迫使帧跨越多次Read
type chunkedReader struct {
	data []byte
	size int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.size
	if n > len(c.data) {
		n = len(c.data)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestRunHandlesSplitFrames(t *testing.T) {
	stream := successStream(t)
	for _, size := range []int{1, 3, 7} {
		r := NewReassembler(nil)
		final := r.Run(context.Background(), &chunkedReader{data: []byte(stream), size: size})
		assert.Equal(t, PhaseCompleted, final.Phase, "read size %d", size)
		assert.Len(t, final.Chunks, 2, "read size %d", size)
	}
}

func TestRunContentGrowsMonotonically(t *testing.T) {
	var lengths []int
	r := NewReassembler(func(s State) {
		lengths = append(lengths, len(s.Chunks))
	})
	r.Run(context.Background(), strings.NewReader(successStream(t)))

	prev := 0
	for _, n := range lengths {
		assert.GreaterOrEqual(t, n, prev)
		prev = n
	}
	assert.Equal(t, 2, prev)
}

func TestRunErrorFrame(t *testing.T) {
	var b strings.Builder
	b.WriteString(frame(t, event.StageStarted("generate_content")))
	b.WriteString(frame(t, event.Error("GENERATION_FAILED", "model unavailable")))

	r := NewReassembler(nil)
	final := r.Run(context.Background(), strings.NewReader(b.String()))

	assert.Equal(t, PhaseFailed, final.Phase)
	require.NotNil(t, final.Failure)
	assert.Equal(t, "GENERATION_FAILED", final.Failure.Code)
	assert.Equal(t, "model unavailable", final.Failure.Message)
	assert.False(t, final.Failure.Transport)
}

func TestRunConnectionLost(t *testing.T) {
	// stream ends without a terminal frame
	var b strings.Builder
	b.WriteString(frame(t, event.StageStarted("generate_content")))
	b.WriteString(frame(t, event.Content("generate_content", "Maya walked on.")))

	r := NewReassembler(nil)
	final := r.Run(context.Background(), strings.NewReader(b.String()))

	assert.Equal(t, PhaseFailed, final.Phase)
	require.NotNil(t, final.Failure)
	assert.Equal(t, CodeConnectionLost, final.Failure.Code)
	assert.True(t, final.Failure.Transport)
	// accumulated content survives the drop
	assert.Equal(t, []string{"Maya walked on."}, final.Chunks)
}

func TestRunMalformedFrameSkipped(t *testing.T) {
	var b strings.Builder
	b.WriteString(frame(t, event.Content("generate_content", "First.")))
	b.WriteString("data: {not valid json\n\n")
	b.WriteString(frame(t, event.Content("generate_content", "Second.")))
	b.WriteString(frame(t, event.Complete(model.StoryRecord{ID: "run-1", Content: []string{"First.", "Second."}})))

	r := NewReassembler(nil)
	final := r.Run(context.Background(), strings.NewReader(b.String()))

	assert.Equal(t, PhaseCompleted, final.Phase)
	assert.Equal(t, []string{"First.", "Second."}, final.Chunks)
}

func TestRunUnknownTypeSkipped(t *testing.T) {
	var b strings.Builder
	b.WriteString("data: {\"type\":\"progress\",\"data\":{\"pct\":50}}\n\n")
	b.WriteString(frame(t, event.Complete(model.StoryRecord{ID: "run-1", Content: []string{}})))

	r := NewReassembler(nil)
	final := r.Run(context.Background(), strings.NewReader(b.String()))
	assert.Equal(t, PhaseCompleted, final.Phase)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewReassembler(nil)
	final := r.Run(ctx, strings.NewReader(successStream(t)))

	assert.Equal(t, PhaseFailed, final.Phase)
	require.NotNil(t, final.Failure)
	assert.Equal(t, CodeConnectionLost, final.Failure.Code)
}

func TestParseFrame(t *testing.T) {
	env, ok, err := ParseFrame([]byte(`data: {"type":"content","data":{"chunk":"hi"}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "content", env.Type)
	assert.JSONEq(t, `{"chunk":"hi"}`, string(env.Data))

	// comment-only block carries no envelope
	_, ok, err = ParseFrame([]byte(": heartbeat"))
	require.NoError(t, err)
	assert.False(t, ok)

	// no-space variant of the data prefix
	env, ok, err = ParseFrame([]byte(`data:{"type":"content","data":{"chunk":"hi"}}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "content", env.Type)

	_, _, err = ParseFrame([]byte("data: {broken"))
	assert.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	// a decoded frame re-encodes to identical bytes
	original := frame(t, event.SafetyResult("safety_check", model.SafetyVerdict{Approved: true, Score: 0.9, Issues: []string{"Contains war theme"}}))
	env, ok, err := ParseFrame([]byte(strings.TrimSuffix(original, "\n\n")))
	require.NoError(t, err)
	require.True(t, ok)

	again, err := sse.Frame(event.Envelope{Type: env.Type, Data: env.Data})
	require.NoError(t, err)
	assert.Equal(t, original, string(again))
}

func TestStateSnapshotIsolated(t *testing.T) {
	r := NewReassembler(nil)
	r.Run(context.Background(), strings.NewReader(successStream(t)))

	s1 := r.State()
	s1.Chunks[0] = "mutated"
	s2 := r.State()
	assert.Equal(t, "Maya walked into the forest.", s2.Chunks[0])
}
