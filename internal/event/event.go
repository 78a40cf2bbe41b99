// Package event defines the typed events a story generation run emits and the
// transport-agnostic envelope they are encoded into. Stage events flow from
// the workflow to exactly one Sink per run; the encoding is pure and carries
// no cross-event state, so every envelope can be decoded on its own.
package event

import (
	"context"
	"fmt"

	"storyteller/internal/model"
)

// Kind identifies what a stage event carries.
type Kind int

const (
	KindStageStarted Kind = iota + 1
	KindStageCompleted
	KindContentChunk
	KindSafetyResult
	KindMetadata
	KindTerminalSuccess
	KindTerminalError
)

// Envelope type vocabulary. These are the wire-level "type" values clients
// dispatch on.
const (
	TypeNodeEvent   = "node_event"
	TypeContent     = "content"
	TypeSafetyCheck = "safety_check"
	TypeMetadata    = "metadata"
	TypeComplete    = "complete"
	TypeError       = "error"
)

// Node status values used in node_event payloads.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
)

// StageEvent is the unit emitted by a pipeline stage. Exactly one payload
// field is populated, selected by Kind. Events are immutable after creation
// and strictly ordered within a run.
type StageEvent struct {
	Kind  Kind
	Stage string // producing stage (node) name

	Chunk   string               // KindContentChunk
	Safety  *model.SafetyVerdict // KindSafetyResult
	Metrics *model.StoryMetadata // KindMetadata
	Story   *model.StoryRecord   // KindTerminalSuccess
	Err     *RunError            // KindTerminalError
}

// RunError is the payload of a terminal-error event.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Terminal reports whether the event ends the run. No event may follow a
// terminal event within the same run.
func (e StageEvent) Terminal() bool {
	return e.Kind == KindTerminalSuccess || e.Kind == KindTerminalError
}

// Envelope is the transport-agnostic {type, data} wrapper around a stage
// event, ready for JSON serialization by a framer.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// NodeEventData is the payload of a node_event envelope.
type NodeEventData struct {
	Node   string `json:"node"`
	Status string `json:"status"`
}

// ContentData is the payload of a content envelope.
type ContentData struct {
	Chunk string `json:"chunk"`
}

// Encode maps a stage event to its envelope. The mapping is total over all
// kinds; an unknown kind is a programming error and is reported, never
// silently swallowed.
func Encode(ev StageEvent) (Envelope, error) {
	switch ev.Kind {
	case KindStageStarted:
		return Envelope{Type: TypeNodeEvent, Data: NodeEventData{Node: ev.Stage, Status: StatusStarted}}, nil
	case KindStageCompleted:
		return Envelope{Type: TypeNodeEvent, Data: NodeEventData{Node: ev.Stage, Status: StatusCompleted}}, nil
	case KindContentChunk:
		return Envelope{Type: TypeContent, Data: ContentData{Chunk: ev.Chunk}}, nil
	case KindSafetyResult:
		if ev.Safety == nil {
			return Envelope{}, fmt.Errorf("event: safety-result event without verdict")
		}
		return Envelope{Type: TypeSafetyCheck, Data: *ev.Safety}, nil
	case KindMetadata:
		if ev.Metrics == nil {
			return Envelope{}, fmt.Errorf("event: metadata event without metrics")
		}
		return Envelope{Type: TypeMetadata, Data: *ev.Metrics}, nil
	case KindTerminalSuccess:
		if ev.Story == nil {
			return Envelope{}, fmt.Errorf("event: terminal-success event without story record")
		}
		return Envelope{Type: TypeComplete, Data: *ev.Story}, nil
	case KindTerminalError:
		if ev.Err == nil {
			return Envelope{}, fmt.Errorf("event: terminal-error event without error payload")
		}
		return Envelope{Type: TypeError, Data: *ev.Err}, nil
	default:
		return Envelope{}, fmt.Errorf("event: unknown event kind %d", ev.Kind)
	}
}

// Sink delivers stage events to the single consumer of a run. One sink serves
// exactly one run; implementations hold no state shared across runs. Send
// returns an error when the consumer is gone, which tells the pipeline to
// abandon the run.
type Sink interface {
	Send(ctx context.Context, ev StageEvent) error
}

// Helpers used by the workflow to keep emission sites short.

func StageStarted(stage string) StageEvent {
	return StageEvent{Kind: KindStageStarted, Stage: stage}
}

func StageCompleted(stage string) StageEvent {
	return StageEvent{Kind: KindStageCompleted, Stage: stage}
}

func Content(stage, chunk string) StageEvent {
	return StageEvent{Kind: KindContentChunk, Stage: stage, Chunk: chunk}
}

func SafetyResult(stage string, v model.SafetyVerdict) StageEvent {
	return StageEvent{Kind: KindSafetyResult, Stage: stage, Safety: &v}
}

func Metadata(stage string, m model.StoryMetadata) StageEvent {
	return StageEvent{Kind: KindMetadata, Stage: stage, Metrics: &m}
}

func Complete(story model.StoryRecord) StageEvent {
	return StageEvent{Kind: KindTerminalSuccess, Story: &story}
}

func Error(code, message string) StageEvent {
	return StageEvent{Kind: KindTerminalError, Err: &RunError{Code: code, Message: message}}
}
