// Package engine holds what the engine adapters share: event emission
// onto a task's log and upload resolution for image inputs.
package engine

import (
	"strings"

	"github.com/bazelment/yoloswe/taskengine/event"
	"github.com/bazelment/yoloswe/taskengine/task"
	"github.com/bazelment/yoloswe/taskengine/translate"
)

// EmitText appends delta to the assistant text and emits it as an
// incremental working status update.
func EmitText(t *task.Task, delta string) error {
	if delta == "" {
		return nil
	}
	t.MarkWorking()
	t.AppendText(delta)
	return status(t, delta)
}

// EmitTextSnapshot merges a complete text value into the assistant text.
// Only the part not already present is emitted, unless the merge replaced
// the text, in which case the whole new text is.
func EmitTextSnapshot(t *task.Task, text string) error {
	prev := t.Text()
	merged, kind := translate.Merge(prev, text)
	if kind == translate.MergeUnchanged {
		return nil
	}
	t.MarkWorking()
	t.SetText(merged)
	if strings.HasPrefix(merged, prev) {
		return status(t, merged[len(prev):])
	}
	return status(t, merged)
}

func status(t *task.Task, text string) error {
	_, err := t.Append(event.NewStatus(t.ID, t.ContextID, event.StateWorking,
		event.RoleAgent, t.AgentMessageID, text, false))
	return err
}

// EmitReasoning appends delta to the reasoning buffer and emits a reasoning
// artifact chunk.
func EmitReasoning(t *task.Task, delta string) error {
	if delta == "" {
		return nil
	}
	t.MarkWorking()
	_, first := t.AppendReasoning(delta)
	return artifact(t, event.ArtifactReasoning, !first, false, event.TextPart(delta))
}

// EmitReasoningSnapshot merges complete reasoning text into the buffer.
func EmitReasoningSnapshot(t *task.Task, text string) error {
	prev := t.Reasoning()
	merged, kind := translate.Merge(prev, text)
	if kind == translate.MergeUnchanged {
		return nil
	}
	if strings.HasPrefix(merged, prev) {
		return EmitReasoning(t, merged[len(prev):])
	}
	t.MarkWorking()
	t.SetReasoning(merged)
	return artifact(t, event.ArtifactReasoning, false, false, event.TextPart(merged))
}

// EmitToolOutput appends chunk to the raw tool output and emits a
// tool-output artifact chunk.
func EmitToolOutput(t *task.Task, chunk string) error {
	if chunk == "" {
		return nil
	}
	t.MarkWorking()
	first := t.AppendToolOutput(chunk)
	return artifact(t, event.ArtifactToolOutput, !first, false, event.TextPart(chunk))
}

// EmitDiff replaces the diff snapshot and emits it whole.
func EmitDiff(t *task.Task, diff string) error {
	t.MarkWorking()
	t.SetDiff(diff)
	return artifact(t, event.ArtifactDiff, false, true, event.TextPart(diff))
}

// EmitUsage replaces the token-usage snapshot and emits it whole.
func EmitUsage(t *task.Task, usage translate.TokenUsage) error {
	t.MarkWorking()
	t.SetUsage(usage)
	return artifact(t, event.ArtifactTokenUsage, false, true, event.DataPart(usage))
}

// Stream emits successive data entries of one artifact, appending after
// the first.
type Stream struct {
	task    *task.Task
	name    string
	started bool
}

// NewStream returns a Stream for the named artifact of t.
func NewStream(t *task.Task, name string) *Stream {
	return &Stream{task: t, name: name}
}

// Emit appends one data entry.
func (s *Stream) Emit(data any) error {
	s.task.MarkWorking()
	err := artifact(s.task, s.name, s.started, false, event.DataPart(data))
	s.started = true
	return err
}

func artifact(t *task.Task, name string, appendChunk, last bool, parts ...event.Part) error {
	_, err := t.Append(event.NewArtifact(t.ID, t.ContextID, name, appendChunk, last, parts...))
	return err
}
