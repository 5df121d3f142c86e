package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// UserMessageToSend is a user line written to the CLI's input stream.
type UserMessageToSend struct {
	Type    string                 `json:"type"`
	Message UserMessageToSendInner `json:"message"`
}

// UserMessageToSendInner is the inner message of a user line.
type UserMessageToSendInner struct {
	Content any    `json:"content"`
	Role    string `json:"role"`
}

// ToolResultContent is a tool_result block sent back mid-turn.
type ToolResultContent struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Marshal serializes the line including the trailing newline.
func (m UserMessageToSend) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal user message: %w", err)
	}
	return append(b, '\n'), nil
}

// NewUserTextMessage builds a plain text user line.
func NewUserTextMessage(text string) UserMessageToSend {
	return UserMessageToSend{
		Type: "user",
		Message: UserMessageToSendInner{
			Role:    "user",
			Content: text,
		},
	}
}

// NewPromptMessage builds the prompt line for a turn. The CLI has no
// multi-part image input, so image URLs are appended as a trailing list.
func NewPromptMessage(text string, imageURLs []string) UserMessageToSend {
	return NewUserTextMessage(PromptWithImages(text, imageURLs))
}

// PromptWithImages appends an "Images:" list of URLs to text.
func PromptWithImages(text string, imageURLs []string) string {
	var urls []string
	for _, u := range imageURLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return text
	}
	var sb strings.Builder
	sb.WriteString(text)
	if text != "" {
		sb.WriteString("\n\n")
	}
	sb.WriteString("Images:")
	for _, u := range urls {
		sb.WriteString("\n- ")
		sb.WriteString(u)
	}
	return sb.String()
}

// NewToolResultMessage builds a user line carrying a tool_result for
// toolUseID.
func NewToolResultMessage(toolUseID, content string, isError bool) UserMessageToSend {
	return UserMessageToSend{
		Type: "user",
		Message: UserMessageToSendInner{
			Role: "user",
			Content: []ToolResultContent{{
				Type:      "tool_result",
				ToolUseID: toolUseID,
				Content:   content,
				IsError:   isError,
			}},
		},
	}
}
