package rpcengine

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/bazelment/yoloswe/taskengine/codex"
	"github.com/bazelment/yoloswe/taskengine/engine"
	"github.com/bazelment/yoloswe/taskengine/event"
	"github.com/bazelment/yoloswe/taskengine/task"
	"github.com/bazelment/yoloswe/taskengine/translate"
)

// translator turns one turn's notifications into task events.
type translator struct {
	task     *task.Task
	logger   *slog.Logger
	dedup    *translate.Deduper
	raw      *engine.Stream
	streamed map[string]bool
	lastErr  string

	// legacyReasoning is set by the first reasoning delta of the turn;
	// deltas from the other notification family are dropped after that.
	legacyReasoning *bool
}

func newTranslator(t *task.Task, logger *slog.Logger) *translator {
	return &translator{
		task:     t,
		logger:   logger,
		dedup:    translate.NewDeduper(0, 0),
		raw:      engine.NewStream(t, event.ArtifactCodexEvents),
		streamed: make(map[string]bool),
	}
}

// handle applies n and reports whether the turn is over.
func (tr *translator) handle(n codex.Notification) bool {
	var err error
	switch n := n.(type) {
	case codex.AgentMessageDelta:
		err = engine.EmitText(tr.task, n.Delta)
	case codex.ReasoningDelta:
		if tr.reasoningSource(n) {
			err = engine.EmitReasoning(tr.task, n.Delta)
		}
	case codex.CommandBegin:
		if n.Command != "" && !tr.dedup.Seen(n.CallID+"#begin", n.Command) {
			err = engine.EmitToolOutput(tr.task, "$ "+n.Command+"\n")
		}
	case codex.CommandOutput:
		if !tr.dedup.Seen(n.CallID, n.Chunk) {
			tr.streamed[n.CallID] = true
			err = engine.EmitToolOutput(tr.task, n.Chunk)
		}
	case codex.CommandEnd:
		err = tr.commandEnd(n)
	case codex.DiffUpdated:
		err = engine.EmitDiff(tr.task, n.Diff)
	case codex.TokenUsageUpdated:
		if !n.Usage.IsZero() {
			err = engine.EmitUsage(tr.task, n.Usage)
		}
	case codex.ErrorNotification:
		tr.logger.Warn("codex error notification", "task", tr.task.ID,
			"message", n.Message, "will_retry", n.WillRetry)
		if !n.WillRetry {
			tr.lastErr = n.Message
		}
	case codex.TurnStarted:
		tr.task.MarkWorking()
	case codex.TurnCompleted:
		tr.complete(n)
		return true
	case codex.Unknown:
		err = tr.raw.Emit(rawEvent{Method: n.Method, Params: n.Params})
	}
	if err != nil && !errors.Is(err, task.ErrFinalized) {
		tr.logger.Warn("dropping codex event", "task", tr.task.ID, "error", err)
	}
	return false
}

// reasoningSource reports whether n comes from the notification family
// this turn takes reasoning from.
func (tr *translator) reasoningSource(n codex.ReasoningDelta) bool {
	legacy := n.Method == codex.NotifyLegacyReasoningDelta
	if tr.legacyReasoning == nil {
		tr.legacyReasoning = &legacy
	}
	return *tr.legacyReasoning == legacy
}

func (tr *translator) commandEnd(n codex.CommandEnd) error {
	if tr.dedup.Seen(n.CallID+"#end", n.Command) {
		return nil
	}
	if tr.streamed[n.CallID] {
		return nil
	}
	out := translate.FormatStreams(n.Stdout, n.Stderr)
	if out == "" {
		out = n.Aggregated
	}
	if out == "" || tr.dedup.Seen(n.CallID, out) {
		return nil
	}
	return engine.EmitToolOutput(tr.task, out)
}

func (tr *translator) complete(n codex.TurnCompleted) {
	state := terminalState(n.Status)
	msg := n.ErrorMessage
	if msg == "" && state == event.StateFailed {
		msg = tr.lastErr
	}
	var cause error
	if msg != "" {
		cause = errors.New(msg)
	}
	tr.task.Finalize(state, "", cause)
}

type rawEvent struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}
