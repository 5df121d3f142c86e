// Package protocol decodes the line-delimited JSON spoken by the CLI engine
// and builds the lines written to its input stream.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates between line kinds.
type MessageType string

const (
	MessageTypeSystem      MessageType = "system"
	MessageTypeAssistant   MessageType = "assistant"
	MessageTypeUser        MessageType = "user"
	MessageTypeResult      MessageType = "result"
	MessageTypeStreamEvent MessageType = "stream_event"
)

// Message is the closed set of decoded lines.
type Message interface {
	MsgType() MessageType
}

// SystemMessage reports session initialization and hook output.
type SystemMessage struct {
	Type      MessageType `json:"type"`
	Subtype   string      `json:"subtype"`
	SessionID string      `json:"session_id"`
	Model     string      `json:"model,omitempty"`
	CWD       string      `json:"cwd,omitempty"`
	Stderr    string      `json:"stderr,omitempty"`
	Tools     []string    `json:"tools,omitempty"`
}

// MsgType returns the message type.
func (SystemMessage) MsgType() MessageType { return MessageTypeSystem }

// Usage tracks token usage as reported by the CLI.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// FlexibleContent is either a string or an array of content blocks.
type FlexibleContent struct {
	raw json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	fc.raw = append(fc.raw[:0], data...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (fc FlexibleContent) MarshalJSON() ([]byte, error) {
	if fc.raw == nil {
		return []byte("null"), nil
	}
	return fc.raw, nil
}

// AsString returns the content when it is a JSON string.
func (fc FlexibleContent) AsString() (string, bool) {
	if len(fc.raw) == 0 || fc.raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(fc.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// AsBlocks returns the content when it is an array of blocks.
func (fc FlexibleContent) AsBlocks() (ContentBlocks, bool) {
	if len(fc.raw) == 0 || fc.raw[0] != '[' {
		return nil, false
	}
	var blocks ContentBlocks
	if err := json.Unmarshal(fc.raw, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// Blocks returns the content as blocks; string content becomes a single
// text block.
func (fc FlexibleContent) Blocks() ContentBlocks {
	if s, ok := fc.AsString(); ok {
		if s == "" {
			return nil
		}
		return ContentBlocks{TextBlock{Type: ContentBlockTypeText, Text: s}}
	}
	blocks, _ := fc.AsBlocks()
	return blocks
}

// MessageContent is the inner message of assistant and user lines.
type MessageContent struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role"`
	Model   string          `json:"model,omitempty"`
	Content FlexibleContent `json:"content"`
	Usage   Usage           `json:"usage,omitempty"`
}

// AssistantMessage is a complete assistant message.
type AssistantMessage struct {
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	Type            MessageType    `json:"type"`
	SessionID       string         `json:"session_id"`
	Message         MessageContent `json:"message"`
}

// MsgType returns the message type.
func (AssistantMessage) MsgType() MessageType { return MessageTypeAssistant }

// UserMessage echoes tool results back from the CLI.
type UserMessage struct {
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	Type            MessageType    `json:"type"`
	SessionID       string         `json:"session_id"`
	Message         MessageContent `json:"message"`
}

// MsgType returns the message type.
func (UserMessage) MsgType() MessageType { return MessageTypeUser }

// ResultMessage ends a turn.
type ResultMessage struct {
	Type         MessageType `json:"type"`
	Subtype      string      `json:"subtype"`
	SessionID    string      `json:"session_id"`
	Result       string      `json:"result"`
	Errors       []string    `json:"errors,omitempty"`
	Usage        Usage       `json:"usage"`
	TotalCostUSD float64     `json:"total_cost_usd"`
	DurationMs   int64       `json:"duration_ms"`
	NumTurns     int         `json:"num_turns"`
	IsError      bool        `json:"is_error"`
}

// MsgType returns the message type.
func (ResultMessage) MsgType() MessageType { return MessageTypeResult }

// UnknownMessage is a well-formed line with an unrecognized type.
type UnknownMessage struct {
	Type MessageType
	Raw  json.RawMessage
}

// MsgType returns the message type.
func (m UnknownMessage) MsgType() MessageType { return m.Type }

// ParseMessage decodes one output line.
func ParseMessage(line []byte) (Message, error) {
	var base struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(line, &base); err != nil {
		return nil, fmt.Errorf("parse line: %w", err)
	}
	switch base.Type {
	case MessageTypeSystem:
		return decodeAs[SystemMessage](line)
	case MessageTypeAssistant:
		return decodeAs[AssistantMessage](line)
	case MessageTypeUser:
		return decodeAs[UserMessage](line)
	case MessageTypeResult:
		return decodeAs[ResultMessage](line)
	case MessageTypeStreamEvent:
		return decodeAs[StreamEvent](line)
	case "":
		return nil, fmt.Errorf("parse line: missing type")
	default:
		return UnknownMessage{Type: base.Type, Raw: append(json.RawMessage(nil), line...)}, nil
	}
}

// decodeAs unmarshals data into a fresh T.
func decodeAs[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}
