package codex

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/bazelment/yoloswe/taskengine/translate"
)

// Notification methods pushed by the app-server. The v2 "item/..." and
// "turn/..." methods can arrive alongside their legacy "codex/event/..."
// equivalents for the same underlying event.
const (
	NotifyAgentMessageDelta     = "item/agentMessage/delta"
	NotifyReasoningTextDelta    = "item/reasoning/textDelta"
	NotifyReasoningSummaryDelta = "item/reasoning/summaryTextDelta"
	NotifyItemStarted           = "item/started"
	NotifyItemCompleted         = "item/completed"
	NotifyCommandOutputDelta    = "item/commandExecution/outputDelta"
	NotifyTurnStarted           = "turn/started"
	NotifyTurnCompleted         = "turn/completed"
	NotifyTurnDiffUpdated       = "turn/diff/updated"
	NotifyTokenUsageUpdated     = "thread/tokenUsage/updated"
	NotifyError                 = "error"

	NotifyLegacyReasoningDelta = "codex/event/agent_reasoning_delta"
	NotifyLegacyExecBegin      = "codex/event/exec_command_begin"
	NotifyLegacyExecOutput     = "codex/event/exec_command_output_delta"
	NotifyLegacyExecEnd        = "codex/event/exec_command_end"
	NotifyLegacyTurnDiff       = "codex/event/turn_diff"
	NotifyLegacyTokenCount     = "codex/event/token_count"
	NotifyLegacyError          = "codex/event/error"
)

// Turn statuses reported by turn/completed.
const (
	TurnStatusCompleted   = "completed"
	TurnStatusFailed      = "failed"
	TurnStatusInterrupted = "interrupted"
)

// Header carries the routing fields shared by every notification.
type Header struct {
	Method   string
	ThreadID string
	TurnID   string
}

// Head returns the header.
func (h Header) Head() Header { return h }

// Notification is the closed set of decoded app-server notifications.
type Notification interface {
	Head() Header
}

// AgentMessageDelta appends assistant text.
type AgentMessageDelta struct {
	Header
	ItemID string
	Delta  string
}

// ReasoningDelta appends reasoning text.
type ReasoningDelta struct {
	Header
	ItemID string
	Delta  string
}

// CommandBegin announces a shell command.
type CommandBegin struct {
	Header
	CallID  string
	Command string
	Cwd     string
}

// CommandOutput is a chunk of a running command's output.
type CommandOutput struct {
	Header
	CallID string
	Stream string
	Chunk  string
}

// CommandEnd reports a finished command. Output is the raw structure the
// stdout and stderr were taken from.
type CommandEnd struct {
	Header
	Output     json.RawMessage
	CallID     string
	Command    string
	Stdout     string
	Stderr     string
	Aggregated string
	ExitCode   int
	DurationMs int64
}

// DiffUpdated replaces the turn's unified diff.
type DiffUpdated struct {
	Header
	Diff string
}

// TokenUsageUpdated replaces the thread's token usage.
type TokenUsageUpdated struct {
	Header
	Usage translate.TokenUsage
}

// TurnStarted reports a new turn.
type TurnStarted struct {
	Header
}

// TurnCompleted ends a turn.
type TurnCompleted struct {
	Header
	Status       string
	ErrorMessage string
}

// ErrorNotification reports an engine-side error.
type ErrorNotification struct {
	Header
	Message   string
	WillRetry bool
}

// Unknown is any notification without a dedicated variant.
type Unknown struct {
	Header
	Params json.RawMessage
}

type routing struct {
	ThreadID       string `json:"threadId"`
	ConversationID string `json:"conversationId"`
	TurnID         string `json:"turnId"`
	Turn           *struct {
		ID string `json:"id"`
	} `json:"turn"`
	Msg *struct {
		TurnID string `json:"turn_id"`
	} `json:"msg"`
}

func parseHeader(method string, params json.RawMessage) Header {
	h := Header{Method: method}
	var r routing
	if err := json.Unmarshal(params, &r); err != nil {
		return h
	}
	h.ThreadID = r.ThreadID
	if h.ThreadID == "" {
		h.ThreadID = r.ConversationID
	}
	h.TurnID = r.TurnID
	if h.TurnID == "" && r.Turn != nil {
		h.TurnID = r.Turn.ID
	}
	if h.TurnID == "" && r.Msg != nil {
		h.TurnID = r.Msg.TurnID
	}
	return h
}

type legacyEnvelope struct {
	Msg json.RawMessage `json:"msg"`
}

type commandItem struct {
	Type             string          `json:"type"`
	ID               string          `json:"id"`
	Command          json.RawMessage `json:"command"`
	Cwd              string          `json:"cwd"`
	AggregatedOutput string          `json:"aggregatedOutput"`
	ExitCode         *int            `json:"exitCode"`
	DurationMs       *int64          `json:"durationMs"`
}

// ParseNotification decodes one notification. Methods without a dedicated
// variant, and known methods whose params do not decode, become Unknown.
func ParseNotification(method string, params json.RawMessage) Notification {
	h := parseHeader(method, params)
	unknown := Unknown{Header: h, Params: params}

	switch method {
	case NotifyAgentMessageDelta:
		var p struct {
			ItemID string `json:"itemId"`
			Delta  string `json:"delta"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return unknown
		}
		return AgentMessageDelta{Header: h, ItemID: p.ItemID, Delta: p.Delta}

	case NotifyReasoningTextDelta, NotifyReasoningSummaryDelta:
		var p struct {
			ItemID string `json:"itemId"`
			Delta  string `json:"delta"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return unknown
		}
		return ReasoningDelta{Header: h, ItemID: p.ItemID, Delta: p.Delta}

	case NotifyLegacyReasoningDelta:
		var msg struct {
			Delta string `json:"delta"`
		}
		if !decodeLegacy(params, &msg) {
			return unknown
		}
		return ReasoningDelta{Header: h, Delta: msg.Delta}

	case NotifyItemStarted, NotifyItemCompleted:
		var p struct {
			Item commandItem `json:"item"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Item.Type != "commandExecution" {
			return unknown
		}
		cmd := commandString(p.Item.Command)
		if method == NotifyItemStarted {
			return CommandBegin{Header: h, CallID: p.Item.ID, Command: cmd, Cwd: p.Item.Cwd}
		}
		end := CommandEnd{
			Header:     h,
			CallID:     p.Item.ID,
			Command:    cmd,
			Aggregated: p.Item.AggregatedOutput,
			Stdout:     p.Item.AggregatedOutput,
		}
		if p.Item.ExitCode != nil {
			end.ExitCode = *p.Item.ExitCode
		}
		if p.Item.DurationMs != nil {
			end.DurationMs = *p.Item.DurationMs
		}
		return end

	case NotifyLegacyExecBegin:
		var msg struct {
			CallID  string          `json:"call_id"`
			Command json.RawMessage `json:"command"`
			Cwd     string          `json:"cwd"`
		}
		if !decodeLegacy(params, &msg) {
			return unknown
		}
		return CommandBegin{Header: h, CallID: msg.CallID, Command: commandString(msg.Command), Cwd: msg.Cwd}

	case NotifyCommandOutputDelta:
		var p struct {
			ItemID string `json:"itemId"`
			Delta  string `json:"delta"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return unknown
		}
		return CommandOutput{Header: h, CallID: p.ItemID, Chunk: p.Delta}

	case NotifyLegacyExecOutput:
		var msg struct {
			CallID string `json:"call_id"`
			Stream string `json:"stream"`
			Chunk  string `json:"chunk"`
		}
		if !decodeLegacy(params, &msg) {
			return unknown
		}
		return CommandOutput{Header: h, CallID: msg.CallID, Stream: msg.Stream, Chunk: decodeChunk(msg.Chunk)}

	case NotifyLegacyExecEnd:
		var env legacyEnvelope
		if err := json.Unmarshal(params, &env); err != nil || len(env.Msg) == 0 {
			return unknown
		}
		var msg struct {
			CallID           string          `json:"call_id"`
			Command          json.RawMessage `json:"command"`
			AggregatedOutput string          `json:"aggregated_output"`
			ExitCode         int             `json:"exit_code"`
			Duration         struct {
				Secs  int64 `json:"secs"`
				Nanos int64 `json:"nanos"`
			} `json:"duration"`
		}
		if err := json.Unmarshal(env.Msg, &msg); err != nil {
			return unknown
		}
		end := CommandEnd{
			Header:     h,
			Output:     env.Msg,
			CallID:     msg.CallID,
			Command:    commandString(msg.Command),
			Aggregated: msg.AggregatedOutput,
			ExitCode:   msg.ExitCode,
			DurationMs: msg.Duration.Secs*1000 + msg.Duration.Nanos/1_000_000,
		}
		if stdout, stderr, ok := translate.ExtractStreams(env.Msg); ok {
			end.Stdout, end.Stderr = stdout, stderr
		} else {
			end.Stdout = msg.AggregatedOutput
		}
		return end

	case NotifyTurnDiffUpdated:
		var p struct {
			Diff string `json:"diff"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return unknown
		}
		return DiffUpdated{Header: h, Diff: p.Diff}

	case NotifyLegacyTurnDiff:
		var msg struct {
			UnifiedDiff string `json:"unified_diff"`
		}
		if !decodeLegacy(params, &msg) {
			return unknown
		}
		return DiffUpdated{Header: h, Diff: msg.UnifiedDiff}

	case NotifyTokenUsageUpdated, NotifyLegacyTokenCount:
		raw := params
		if method == NotifyLegacyTokenCount {
			var env legacyEnvelope
			if err := json.Unmarshal(params, &env); err != nil || len(env.Msg) == 0 {
				return unknown
			}
			raw = env.Msg
		}
		usage, ok := translate.ParseUsage(raw)
		if !ok {
			return unknown
		}
		return TokenUsageUpdated{Header: h, Usage: usage}

	case NotifyTurnStarted:
		return TurnStarted{Header: h}

	case NotifyTurnCompleted:
		var p struct {
			Turn struct {
				Error *struct {
					Message string `json:"message"`
				} `json:"error"`
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"turn"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return unknown
		}
		done := TurnCompleted{Header: h, Status: p.Turn.Status}
		if p.Turn.Error != nil {
			done.ErrorMessage = strings.TrimSpace(p.Turn.Error.Message)
		}
		return done

	case NotifyError:
		var p struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
			WillRetry bool `json:"willRetry"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return unknown
		}
		return ErrorNotification{Header: h, Message: strings.TrimSpace(p.Error.Message), WillRetry: p.WillRetry}

	case NotifyLegacyError:
		var env legacyEnvelope
		if err := json.Unmarshal(params, &env); err != nil {
			return unknown
		}
		return ErrorNotification{Header: h, Message: protocolErrorText(env.Msg)}
	}
	return unknown
}

func decodeLegacy(params json.RawMessage, v any) bool {
	var env legacyEnvelope
	if err := json.Unmarshal(params, &env); err != nil || len(env.Msg) == 0 {
		return false
	}
	return json.Unmarshal(env.Msg, v) == nil
}

// commandString accepts a command as a string or an argv array.
func commandString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var argv []string
	if err := json.Unmarshal(raw, &argv); err == nil {
		return strings.TrimSpace(strings.Join(argv, " "))
	}
	return ""
}

// decodeChunk returns the base64-decoded chunk when it decodes to valid
// UTF-8, and the chunk unchanged otherwise.
func decodeChunk(chunk string) string {
	b, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil || !utf8.Valid(b) {
		return chunk
	}
	return string(b)
}

func protocolErrorText(raw json.RawMessage) string {
	var msg struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(raw, &msg); err == nil {
		if text := strings.TrimSpace(msg.Message); text != "" {
			return text
		}
		if text := strings.TrimSpace(msg.Type); text != "" {
			return text
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return "provider error"
}
