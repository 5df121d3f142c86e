package cliengine

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/bazelment/yoloswe/taskengine/engine"
	"github.com/bazelment/yoloswe/taskengine/event"
	"github.com/bazelment/yoloswe/taskengine/protocol"
	"github.com/bazelment/yoloswe/taskengine/task"
	"github.com/bazelment/yoloswe/taskengine/translate"
)

// inputSnapshotEvery is how many characters of partial tool input
// accumulate between intermediate tool_input entries.
const inputSnapshotEvery = 256

type toolState struct {
	input any
	id    string
	name  string
}

// inputBlock accumulates the partial JSON of one streamed tool_use block.
type inputBlock struct {
	tool    *toolState
	buf     strings.Builder
	emitted int
}

// decoder translates one attempt's stdout lines into task events. It is
// used by a single goroutine.
type decoder struct {
	task   *task.Task
	logger *slog.Logger
	tools  *engine.Stream

	open   map[string]*toolState
	blocks map[int]*inputBlock
	result *protocol.ResultMessage

	sessionID      string
	textDelta      bool
	thinkingDelta  bool
	sessionMissing bool
}

func newDecoder(t *task.Task, logger *slog.Logger) *decoder {
	return &decoder{
		task:   t,
		logger: logger,
		tools:  engine.NewStream(t, event.ArtifactClaudeTools),
		open:   make(map[string]*toolState),
		blocks: make(map[int]*inputBlock),
	}
}

// handleLine decodes one stdout line. A line that is not a protocol message
// is kept verbatim as tool output.
func (d *decoder) handleLine(line []byte) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return
	}
	msg, err := protocol.ParseMessage(line)
	if err != nil {
		text := string(line)
		if mentionsMissingSession(text) {
			d.sessionMissing = true
		}
		d.logger.Debug("unparseable cli line", "task", d.task.ID, "error", err)
		d.check(engine.EmitToolOutput(d.task, text+"\n"))
		return
	}

	switch m := msg.(type) {
	case protocol.SystemMessage:
		d.handleSystem(m)
	case protocol.StreamEvent:
		d.handleStreamEvent(m)
	case protocol.AssistantMessage:
		d.handleAssistant(m)
	case protocol.UserMessage:
		d.handleUser(m)
	case protocol.ResultMessage:
		d.handleResult(m)
	default:
		d.logger.Debug("skipping cli message", "task", d.task.ID, "type", msg.MsgType())
	}
}

func (d *decoder) check(err error) {
	if err != nil && !errors.Is(err, task.ErrFinalized) {
		d.logger.Warn("dropping cli event", "task", d.task.ID, "error", err)
	}
}

func (d *decoder) handleSystem(m protocol.SystemMessage) {
	if m.SessionID != "" {
		d.sessionID = m.SessionID
	}
	if m.Subtype == "init" {
		d.logger.Debug("cli session initialized", "task", d.task.ID,
			"session", m.SessionID, "model", m.Model)
	}
	if m.Stderr != "" && mentionsMissingSession(m.Stderr) {
		d.sessionMissing = true
	}
}

func (d *decoder) handleStreamEvent(m protocol.StreamEvent) {
	ev, err := protocol.ParseStreamEvent(m.Event)
	if err != nil {
		d.logger.Debug("bad stream event", "task", d.task.ID, "error", err)
		return
	}
	switch e := ev.(type) {
	case protocol.MessageStartEvent:
		d.textDelta = false
		d.thinkingDelta = false
	case protocol.ContentBlockStartEvent:
		d.blockStart(e)
	case protocol.ContentBlockDeltaEvent:
		d.blockDelta(e)
	case protocol.ContentBlockStopEvent:
		d.blockStop(e.Index)
	}
}

func (d *decoder) blockStart(e protocol.ContentBlockStartEvent) {
	block, err := e.Block()
	if err != nil {
		d.logger.Debug("bad content block", "task", d.task.ID, "error", err)
		return
	}
	switch b := block.(type) {
	case protocol.ToolUseBlock:
		tool := d.openTool(b.ID, b.Name, nil)
		if tool != nil {
			d.blocks[e.Index] = &inputBlock{tool: tool}
		}
	case protocol.ToolResultBlock:
		d.closeTool(b)
	}
}

func (d *decoder) blockDelta(e protocol.ContentBlockDeltaEvent) {
	delta, err := e.ParsedDelta()
	if err != nil {
		d.logger.Debug("bad content block delta", "task", d.task.ID, "error", err)
		return
	}
	switch dl := delta.(type) {
	case protocol.TextDelta:
		d.textDelta = true
		d.check(engine.EmitText(d.task, dl.Text))
	case protocol.ThinkingDelta:
		d.thinkingDelta = true
		d.check(engine.EmitReasoning(d.task, dl.Thinking))
	case protocol.InputJSONDelta:
		blk := d.blocks[e.Index]
		if blk == nil {
			return
		}
		blk.buf.WriteString(dl.PartialJSON)
		if blk.buf.Len()-blk.emitted >= inputSnapshotEvery {
			blk.emitted = blk.buf.Len()
			d.emitInput(blk.tool, partialInput(blk.buf.String()))
		}
	}
}

func (d *decoder) blockStop(index int) {
	blk := d.blocks[index]
	if blk == nil {
		return
	}
	delete(d.blocks, index)
	raw := blk.buf.String()
	if strings.TrimSpace(raw) == "" {
		return
	}
	input := translate.DecodeInput(raw)
	if _, isText := input.(string); isText {
		input = partialInput(raw)
	}
	blk.tool.input = input
	d.emitInput(blk.tool, input)
}

// partialInput decodes incomplete tool-input JSON for display, repairing
// it first. It falls back to the raw text.
func partialInput(raw string) any {
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return raw
	}
	return translate.DecodeInput(repaired)
}

func (d *decoder) emitInput(tool *toolState, input any) {
	d.check(d.tools.Emit(translate.ToolCall{
		Kind:      translate.ToolKindInput,
		ToolUseID: tool.id,
		ToolName:  tool.name,
		Input:     input,
	}))
}

// openTool registers a tool invocation and emits its tool_use entry. It
// returns nil when the id is already open.
func (d *decoder) openTool(id, name string, input any) *toolState {
	if id == "" {
		return nil
	}
	if _, ok := d.open[id]; ok {
		return nil
	}
	tool := &toolState{id: id, name: name, input: input}
	d.open[id] = tool
	d.check(d.tools.Emit(translate.ToolCall{
		Kind:      translate.ToolKindUse,
		ToolUseID: id,
		ToolName:  name,
		Input:     input,
	}))
	return tool
}

func (d *decoder) closeTool(b protocol.ToolResultBlock) {
	call := translate.ToolCall{
		Kind:      translate.ToolKindResult,
		ToolUseID: b.ToolUseID,
		Output:    translate.ToolResultText(b.Content),
		IsError:   b.IsError,
	}
	if tool, ok := d.open[b.ToolUseID]; ok {
		call.ToolName = tool.name
		call.Input = tool.input
		delete(d.open, b.ToolUseID)
	}
	d.check(d.tools.Emit(call))
	if call.Output != "" {
		out := call.Output
		if !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		d.check(engine.EmitToolOutput(d.task, out))
	}
}

func (d *decoder) handleAssistant(m protocol.AssistantMessage) {
	for _, block := range m.Message.Content.Blocks() {
		switch b := block.(type) {
		case protocol.TextBlock:
			if !d.textDelta {
				d.check(engine.EmitTextSnapshot(d.task, b.Text))
			}
		case protocol.ThinkingBlock:
			if !d.thinkingDelta {
				d.check(engine.EmitReasoningSnapshot(d.task, b.Thinking))
			}
		case protocol.ToolUseBlock:
			input := translate.DecodeInput(string(b.Input))
			if tool, ok := d.open[b.ID]; ok {
				if input != nil {
					tool.input = input
				}
				continue
			}
			d.openTool(b.ID, b.Name, input)
		}
	}
}

func (d *decoder) handleUser(m protocol.UserMessage) {
	for _, block := range m.Message.Content.Blocks() {
		if b, ok := block.(protocol.ToolResultBlock); ok {
			d.closeTool(b)
		}
	}
}

func (d *decoder) handleResult(m protocol.ResultMessage) {
	d.result = &m
	if m.SessionID != "" {
		d.sessionID = m.SessionID
	}
	if m.IsError {
		for _, e := range m.Errors {
			if mentionsMissingSession(e) {
				d.sessionMissing = true
			}
		}
		if mentionsMissingSession(m.Result) {
			d.sessionMissing = true
		}
	}
	// An error result carries its message through resultError, not as
	// assistant text.
	if !m.IsError {
		if merged, kind := translate.Merge(d.task.Text(), m.Result); kind != translate.MergeUnchanged {
			d.task.SetText(merged)
		}
	}
	u := m.Usage
	if usage := translate.ClaudeUsage(u.InputTokens, u.CacheCreationInputTokens,
		u.CacheReadInputTokens, u.OutputTokens, m.TotalCostUSD); !usage.IsZero() {
		d.check(engine.EmitUsage(d.task, usage))
	}
	// The CLI keeps reading stream-json input until stdin closes.
	if err := d.task.CloseInput(); err != nil {
		d.logger.Debug("closing cli stdin", "task", d.task.ID, "error", err)
	}
}

// resultError returns the error carried by an is_error result.
func (d *decoder) resultError() error {
	if d.result == nil || !d.result.IsError {
		return nil
	}
	msg := strings.TrimSpace(strings.Join(d.result.Errors, "; "))
	if msg == "" {
		msg = strings.TrimSpace(d.result.Result)
	}
	return &ResultError{Subtype: d.result.Subtype, Message: msg}
}
