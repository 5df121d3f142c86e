package protocol

import (
	"encoding/json"
	"log/slog"
)

// StreamEvent wraps a fine-grained streaming sub-event.
type StreamEvent struct {
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Type            MessageType     `json:"type"`
	SessionID       string          `json:"session_id"`
	Event           json.RawMessage `json:"event"`
}

// MsgType returns the message type.
func (StreamEvent) MsgType() MessageType { return MessageTypeStreamEvent }

// StreamEventType discriminates stream sub-events.
type StreamEventType string

const (
	StreamEventTypeMessageStart      StreamEventType = "message_start"
	StreamEventTypeContentBlockStart StreamEventType = "content_block_start"
	StreamEventTypeContentBlockDelta StreamEventType = "content_block_delta"
	StreamEventTypeContentBlockStop  StreamEventType = "content_block_stop"
	StreamEventTypeMessageDelta      StreamEventType = "message_delta"
	StreamEventTypeMessageStop       StreamEventType = "message_stop"
)

// StreamEventData is the closed set of stream sub-events.
type StreamEventData interface {
	EventType() StreamEventType
}

// MessageStartEvent starts a new assistant message.
type MessageStartEvent struct {
	Type    StreamEventType `json:"type"`
	Message MessageContent  `json:"message"`
}

// EventType returns the stream event type.
func (MessageStartEvent) EventType() StreamEventType { return StreamEventTypeMessageStart }

// ContentBlockStartEvent announces a block at Index.
type ContentBlockStartEvent struct {
	Type         StreamEventType `json:"type"`
	ContentBlock json.RawMessage `json:"content_block"`
	Index        int             `json:"index"`
}

// EventType returns the stream event type.
func (ContentBlockStartEvent) EventType() StreamEventType {
	return StreamEventTypeContentBlockStart
}

// Block decodes the announced block.
func (e ContentBlockStartEvent) Block() (ContentBlock, error) {
	return UnmarshalContentBlock(e.ContentBlock)
}

// ContentBlockDeltaEvent carries incremental content for the block at Index.
type ContentBlockDeltaEvent struct {
	Type  StreamEventType `json:"type"`
	Delta json.RawMessage `json:"delta"`
	Index int             `json:"index"`
}

// EventType returns the stream event type.
func (ContentBlockDeltaEvent) EventType() StreamEventType {
	return StreamEventTypeContentBlockDelta
}

// ParsedDelta decodes the delta.
func (e ContentBlockDeltaEvent) ParsedDelta() (DeltaData, error) {
	return ParseContentBlockDelta(e.Delta)
}

// ContentBlockStopEvent closes the block at Index.
type ContentBlockStopEvent struct {
	Type  StreamEventType `json:"type"`
	Index int             `json:"index"`
}

// EventType returns the stream event type.
func (ContentBlockStopEvent) EventType() StreamEventType { return StreamEventTypeContentBlockStop }

// MessageDeltaEvent updates message metadata and usage.
type MessageDeltaEvent struct {
	Type  StreamEventType `json:"type"`
	Usage Usage           `json:"usage"`
}

// EventType returns the stream event type.
func (MessageDeltaEvent) EventType() StreamEventType { return StreamEventTypeMessageDelta }

// MessageStopEvent ends the assistant message.
type MessageStopEvent struct {
	Type StreamEventType `json:"type"`
}

// EventType returns the stream event type.
func (MessageStopEvent) EventType() StreamEventType { return StreamEventTypeMessageStop }

// DeltaData is the closed set of content block deltas.
type DeltaData interface {
	DeltaType() string
}

// TextDelta appends assistant text.
type TextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DeltaType returns the delta type.
func (d TextDelta) DeltaType() string { return d.Type }

// ThinkingDelta appends reasoning text.
type ThinkingDelta struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

// DeltaType returns the delta type.
func (d ThinkingDelta) DeltaType() string { return d.Type }

// InputJSONDelta appends partial JSON to a tool's input.
type InputJSONDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

// DeltaType returns the delta type.
func (d InputJSONDelta) DeltaType() string { return d.Type }

// ParseContentBlockDelta decodes a delta. Unknown delta types return
// (nil, nil).
func ParseContentBlockDelta(data json.RawMessage) (DeltaData, error) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}
	switch base.Type {
	case "text_delta":
		return decodeAs[TextDelta](data)
	case "thinking_delta":
		return decodeAs[ThinkingDelta](data)
	case "input_json_delta":
		return decodeAs[InputJSONDelta](data)
	default:
		slog.Debug("skipping unknown content block delta type", "type", base.Type)
		return nil, nil
	}
}

// ParseStreamEvent decodes the sub-event of a StreamEvent. Unknown types
// return (nil, nil).
func ParseStreamEvent(data json.RawMessage) (StreamEventData, error) {
	var base struct {
		Type StreamEventType `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}
	switch base.Type {
	case StreamEventTypeMessageStart:
		return decodeAs[MessageStartEvent](data)
	case StreamEventTypeContentBlockStart:
		return decodeAs[ContentBlockStartEvent](data)
	case StreamEventTypeContentBlockDelta:
		return decodeAs[ContentBlockDeltaEvent](data)
	case StreamEventTypeContentBlockStop:
		return decodeAs[ContentBlockStopEvent](data)
	case StreamEventTypeMessageDelta:
		return decodeAs[MessageDeltaEvent](data)
	case StreamEventTypeMessageStop:
		return decodeAs[MessageStopEvent](data)
	default:
		slog.Debug("skipping unknown stream event type", "type", base.Type)
		return nil, nil
	}
}
