// Package client consumes a framed story stream and rebuilds the story as
// frames arrive. It is the consuming half of the streaming contract: UIs and
// tests read the synchronized (content-so-far, stage-so-far) view it exposes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"storyteller/internal/event"
	"storyteller/internal/model"
)

// Phase of a run as seen by the client.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStreaming Phase = "streaming"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// CodeConnectionLost marks a transport-level failure, distinct from any
// pipeline-reported error code.
const CodeConnectionLost = "CONNECTION_LOST"

// Failure describes why a run ended in PhaseFailed.
type Failure struct {
	Code      string
	Message   string
	Transport bool // true for connection loss, false for a pipeline error frame
}

// State accumulates one run. Content only grows while streaming; after a
// terminal frame the state is frozen.
type State struct {
	Phase      Phase
	Chunks     []string // content chunks in arrival order
	Node       string   // latest stage name
	NodeStatus string   // latest stage status
	Safety     *model.SafetyVerdict
	Metrics    *model.StoryMetadata
	Story      *model.StoryRecord // populated only by a complete frame
	Failure    *Failure
}

// ContentSoFar is the ordered concatenation of all content chunks seen.
func (s State) ContentSoFar() string {
	return strings.Join(s.Chunks, "\n\n")
}

// Envelope is the decoded wire form of one frame. Data stays raw so a decoded
// frame re-encodes to identical bytes.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const framePrefix = "data: "

// frameDelim separates frames on the wire.
var frameDelim = []byte("\n\n")

// ParseFrame extracts the envelope from one frame block (the bytes before a
// blank-line delimiter). Comment lines are skipped; a block with no data line
// yields ok=false.
func ParseFrame(block []byte) (Envelope, bool, error) {
	var payload []string
	for _, line := range strings.Split(string(block), "\n") {
		if strings.HasPrefix(line, ":") {
			continue // SSE comment (heartbeat)
		}
		if strings.HasPrefix(line, framePrefix) {
			payload = append(payload, strings.TrimPrefix(line, framePrefix))
		} else if strings.HasPrefix(line, "data:") {
			payload = append(payload, strings.TrimPrefix(line, "data:"))
		}
	}
	if len(payload) == 0 {
		return Envelope{}, false, nil
	}

	var env Envelope
	if err := json.Unmarshal([]byte(strings.Join(payload, "\n")), &env); err != nil {
		return Envelope{}, false, fmt.Errorf("client: malformed frame: %w", err)
	}
	return env, true, nil
}

// Reassembler consumes one stream and maintains the run state. A new run
// needs a new Reassembler; old state is discarded, never merged.
type Reassembler struct {
	mu       sync.Mutex
	state    State
	onUpdate func(State)
}

// NewReassembler creates a reassembler in the idle phase. onUpdate, if not
// nil, is called after every state change with a snapshot.
func NewReassembler(onUpdate func(State)) *Reassembler {
	return &Reassembler{
		state:    State{Phase: PhaseIdle},
		onUpdate: onUpdate,
	}
}

// State returns a snapshot of the current run state.
func (r *Reassembler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reassembler) snapshotLocked() State {
	s := r.state
	s.Chunks = append([]string(nil), r.state.Chunks...)
	return s
}

// Run reads the stream until a terminal frame, EOF, or a read error, and
// returns the final state. A connection that drops before a terminal frame
// yields a transport failure, which is not the same thing as a pipeline
// error frame.
func (r *Reassembler) Run(ctx context.Context, rd io.Reader) State {
	r.mu.Lock()
	r.state = State{Phase: PhaseStreaming}
	r.mu.Unlock()
	r.notify()

	var buf bytes.Buffer
	chunk := make([]byte, 4096)

	for {
		if err := ctx.Err(); err != nil {
			return r.failTransport("request cancelled")
		}

		n, err := rd.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if done := r.drain(&buf); done {
				return r.State()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Graceful close without a terminal frame still means the
				// server went away mid-run.
				return r.failTransport("stream closed before completion")
			}
			return r.failTransport(err.Error())
		}
	}
}

// drain processes every complete frame in the buffer. Returns true once a
// terminal frame was handled.
func (r *Reassembler) drain(buf *bytes.Buffer) bool {
	for {
		data := buf.Bytes()
		idx := bytes.Index(data, frameDelim)
		if idx < 0 {
			return false
		}
		block := make([]byte, idx)
		copy(block, data[:idx])
		buf.Next(idx + len(frameDelim))

		env, ok, err := ParseFrame(block)
		if err != nil {
			// A single corrupt frame must not lose accumulated content.
			logrus.WithError(err).Warn("skipping malformed frame")
			continue
		}
		if !ok {
			continue
		}
		if terminal := r.apply(env); terminal {
			return true
		}
	}
}

// apply dispatches one envelope into the state. Returns true for terminal
// frames.
func (r *Reassembler) apply(env Envelope) bool {
	r.mu.Lock()
	if r.state.Phase != PhaseStreaming {
		r.mu.Unlock()
		return true
	}

	terminal := false
	switch env.Type {
	case event.TypeNodeEvent:
		var data event.NodeEventData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			logrus.WithError(err).Warn("skipping malformed node_event payload")
			break
		}
		r.state.Node = data.Node
		r.state.NodeStatus = data.Status

	case event.TypeContent:
		var data event.ContentData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			logrus.WithError(err).Warn("skipping malformed content payload")
			break
		}
		r.state.Chunks = append(r.state.Chunks, data.Chunk)

	case event.TypeSafetyCheck:
		var verdict model.SafetyVerdict
		if err := json.Unmarshal(env.Data, &verdict); err != nil {
			logrus.WithError(err).Warn("skipping malformed safety_check payload")
			break
		}
		r.state.Safety = &verdict

	case event.TypeMetadata:
		var metrics model.StoryMetadata
		if err := json.Unmarshal(env.Data, &metrics); err != nil {
			logrus.WithError(err).Warn("skipping malformed metadata payload")
			break
		}
		r.state.Metrics = &metrics

	case event.TypeComplete:
		var story model.StoryRecord
		if err := json.Unmarshal(env.Data, &story); err != nil {
			logrus.WithError(err).Warn("skipping malformed complete payload")
			break
		}
		r.state.Story = &story
		r.state.Phase = PhaseCompleted
		terminal = true

	case event.TypeError:
		var runErr event.RunError
		if err := json.Unmarshal(env.Data, &runErr); err != nil {
			logrus.WithError(err).Warn("skipping malformed error payload")
			break
		}
		r.state.Failure = &Failure{Code: runErr.Code, Message: runErr.Message}
		r.state.Phase = PhaseFailed
		terminal = true

	default:
		logrus.WithField("type", env.Type).Warn("skipping frame with unknown type")
	}
	r.mu.Unlock()

	r.notify()
	return terminal
}

func (r *Reassembler) failTransport(message string) State {
	r.mu.Lock()
	if r.state.Phase == PhaseStreaming {
		r.state.Phase = PhaseFailed
		r.state.Failure = &Failure{
			Code:      CodeConnectionLost,
			Message:   message,
			Transport: true,
		}
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.notify()
	return snapshot
}

func (r *Reassembler) notify() {
	if r.onUpdate == nil {
		return
	}
	r.onUpdate(r.State())
}
