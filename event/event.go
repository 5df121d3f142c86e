// Package event defines the engine-agnostic event vocabulary appended to a
// task's event log: status updates and artifact updates.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is a task lifecycle state.
type State string

const (
	StateSubmitted State = "submitted"
	StateWorking   State = "working"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is one of the three final states.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Role tags the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Kind discriminates the two payload shapes.
type Kind string

const (
	KindStatusUpdate   Kind = "status-update"
	KindArtifactUpdate Kind = "artifact-update"
)

// Artifact stream names.
const (
	ArtifactReasoning   = "reasoning"
	ArtifactToolOutput  = "tool-output"
	ArtifactDiff        = "diff"
	ArtifactTokenUsage  = "token-usage"
	ArtifactCodexEvents = "codex-events"
	ArtifactClaudeTools = "claude-tools"
)

// Event is either a *StatusUpdate or an *ArtifactUpdate.
type Event interface {
	EventKind() Kind
}

// Part is one element of a message or artifact. Exactly one of Text or Data
// is set.
type Part struct {
	Data any    `json:"data,omitempty"`
	Text string `json:"text,omitempty"`
}

// TextPart returns a part carrying text.
func TextPart(text string) Part { return Part{Text: text} }

// DataPart returns a part carrying structured data.
func DataPart(data any) Part { return Part{Data: data} }

// Message is a role-tagged message with parts.
type Message struct {
	Role      Role   `json:"role"`
	MessageID string `json:"messageId"`
	Parts     []Part `json:"parts"`
}

// Status is the lifecycle snapshot carried by a status update.
type Status struct {
	Message   *Message `json:"message,omitempty"`
	State     State    `json:"state"`
	Timestamp string   `json:"timestamp"`
}

// StatusUpdate reports a lifecycle state and an optional message.
type StatusUpdate struct {
	Kind      Kind   `json:"kind"`
	TaskID    string `json:"taskId"`
	ContextID string `json:"contextId"`
	Status    Status `json:"status"`
	Final     bool   `json:"final"`
}

// EventKind implements Event.
func (*StatusUpdate) EventKind() Kind { return KindStatusUpdate }

// Artifact is a named, growable output stream.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name"`
	Parts      []Part `json:"parts"`
}

// ArtifactUpdate carries a chunk of an artifact. Append=false replaces the
// artifact content; LastChunk marks the chunk as complete.
type ArtifactUpdate struct {
	Kind      Kind     `json:"kind"`
	TaskID    string   `json:"taskId"`
	ContextID string   `json:"contextId"`
	Artifact  Artifact `json:"artifact"`
	Append    bool     `json:"append"`
	LastChunk bool     `json:"lastChunk"`
}

// EventKind implements Event.
func (*ArtifactUpdate) EventKind() Kind { return KindArtifactUpdate }

// ArtifactID returns the deterministic artifact id for a task stream.
func ArtifactID(taskID, name string) string {
	return taskID + ":" + name
}

// Timestamp formats t the way status updates carry it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewStatus builds a status update. A message is attached only when
// messageID or text is non-empty.
func NewStatus(taskID, contextID string, state State, role Role, messageID, text string, final bool) *StatusUpdate {
	su := &StatusUpdate{
		Kind:      KindStatusUpdate,
		TaskID:    taskID,
		ContextID: contextID,
		Final:     final,
		Status: Status{
			State:     state,
			Timestamp: Timestamp(time.Now()),
		},
	}
	if messageID != "" || text != "" {
		su.Status.Message = &Message{
			Role:      role,
			MessageID: messageID,
			Parts:     []Part{TextPart(text)},
		}
	}
	return su
}

// NewArtifact builds an artifact update for the named stream.
func NewArtifact(taskID, contextID, name string, appendChunk, lastChunk bool, parts ...Part) *ArtifactUpdate {
	return &ArtifactUpdate{
		Kind:      KindArtifactUpdate,
		TaskID:    taskID,
		ContextID: contextID,
		Append:    appendChunk,
		LastChunk: lastChunk,
		Artifact: Artifact{
			ArtifactID: ArtifactID(taskID, name),
			Name:       name,
			Parts:      parts,
		},
	}
}

// Text concatenates the text parts of a status update's message.
func (s *StatusUpdate) Text() string {
	if s == nil || s.Status.Message == nil {
		return ""
	}
	var out string
	for _, p := range s.Status.Message.Parts {
		out += p.Text
	}
	return out
}

// ErrUnknownKind is returned by Decode for payloads without a known kind.
var ErrUnknownKind = errors.New("unknown event kind")

// Decode parses a stored payload back into a typed event.
func Decode(payload []byte) (Event, error) {
	var base struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(payload, &base); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch base.Kind {
	case KindStatusUpdate:
		var su StatusUpdate
		if err := json.Unmarshal(payload, &su); err != nil {
			return nil, fmt.Errorf("decode status update: %w", err)
		}
		return &su, nil
	case KindArtifactUpdate:
		var au ArtifactUpdate
		if err := json.Unmarshal(payload, &au); err != nil {
			return nil, fmt.Errorf("decode artifact update: %w", err)
		}
		return &au, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, base.Kind)
	}
}
