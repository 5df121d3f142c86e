package protocol

import (
	"encoding/json"
	"log/slog"
)

// ContentBlockType discriminates content blocks.
type ContentBlockType string

const (
	ContentBlockTypeText       ContentBlockType = "text"
	ContentBlockTypeThinking   ContentBlockType = "thinking"
	ContentBlockTypeToolUse    ContentBlockType = "tool_use"
	ContentBlockTypeToolResult ContentBlockType = "tool_result"
)

// ContentBlock is one element of a message's content array.
type ContentBlock interface {
	BlockType() ContentBlockType
}

// TextBlock carries assistant text.
type TextBlock struct {
	Type ContentBlockType `json:"type"`
	Text string           `json:"text"`
}

// BlockType returns the block type.
func (TextBlock) BlockType() ContentBlockType { return ContentBlockTypeText }

// ThinkingBlock carries reasoning text.
type ThinkingBlock struct {
	Type     ContentBlockType `json:"type"`
	Thinking string           `json:"thinking"`
}

// BlockType returns the block type.
func (ThinkingBlock) BlockType() ContentBlockType { return ContentBlockTypeThinking }

// ToolUseBlock opens a tool invocation.
type ToolUseBlock struct {
	Type  ContentBlockType `json:"type"`
	ID    string           `json:"id"`
	Name  string           `json:"name"`
	Input json.RawMessage  `json:"input,omitempty"`
}

// BlockType returns the block type.
func (ToolUseBlock) BlockType() ContentBlockType { return ContentBlockTypeToolUse }

// ToolResultBlock closes a tool invocation.
type ToolResultBlock struct {
	Type      ContentBlockType `json:"type"`
	ToolUseID string           `json:"tool_use_id"`
	Content   json.RawMessage  `json:"content,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
}

// BlockType returns the block type.
func (ToolResultBlock) BlockType() ContentBlockType { return ContentBlockTypeToolResult }

// UnmarshalContentBlock decodes one block. Unknown block types return
// (nil, nil).
func UnmarshalContentBlock(data json.RawMessage) (ContentBlock, error) {
	var base struct {
		Type ContentBlockType `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}
	switch base.Type {
	case ContentBlockTypeText:
		return decodeAs[TextBlock](data)
	case ContentBlockTypeThinking:
		return decodeAs[ThinkingBlock](data)
	case ContentBlockTypeToolUse:
		return decodeAs[ToolUseBlock](data)
	case ContentBlockTypeToolResult:
		return decodeAs[ToolResultBlock](data)
	default:
		slog.Debug("skipping unknown content block type", "type", base.Type)
		return nil, nil
	}
}

// ContentBlocks is a content array that drops unknown block types.
type ContentBlocks []ContentBlock

// UnmarshalJSON implements json.Unmarshaler.
func (cb *ContentBlocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	blocks := make(ContentBlocks, 0, len(raws))
	for _, raw := range raws {
		b, err := UnmarshalContentBlock(raw)
		if err != nil {
			return err
		}
		if b != nil {
			blocks = append(blocks, b)
		}
	}
	*cb = blocks
	return nil
}
