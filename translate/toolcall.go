package translate

import (
	"encoding/json"
	"strings"
)

// ToolKind tags a claude-tools artifact entry.
type ToolKind string

const (
	ToolKindUse    ToolKind = "tool_use"
	ToolKindInput  ToolKind = "tool_input"
	ToolKindResult ToolKind = "tool_result"
)

// ToolCall is one claude-tools artifact entry. tool_use and tool_result
// fragments sharing a ToolUseID describe the same invocation.
type ToolCall struct {
	Input     any      `json:"input,omitempty"`
	Kind      ToolKind `json:"kind"`
	ToolUseID string   `json:"toolUseId"`
	ToolName  string   `json:"toolName,omitempty"`
	Output    string   `json:"output,omitempty"`
	IsError   bool     `json:"isError"`
}

// DecodeInput returns the decoded JSON value of s, or s itself when it is not
// valid JSON.
func DecodeInput(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return s
	}
	return v
}

// ToolResultText flattens tool result content: a string, an array of text
// blocks, or an object carrying stdout/stderr.
func ToolResultText(content json.RawMessage) string {
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(content, &s); err == nil {
			return s
		}
	case '[':
		var blocks []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(content, &blocks); err == nil {
			parts := make([]string, 0, len(blocks))
			for _, b := range blocks {
				if b.Text != "" {
					parts = append(parts, b.Text)
				}
			}
			return strings.Join(parts, "\n")
		}
	case '{':
		if stdout, stderr, ok := ExtractStreams(content); ok {
			return FormatStreams(stdout, stderr)
		}
	}
	return trimmed
}

// ExtractStreams pulls stdout and stderr out of a tool output object. The
// streams may sit at the top level or under an "output" or "result" key.
func ExtractStreams(raw json.RawMessage) (stdout, stderr string, ok bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", "", false
	}
	str := func(key string) (string, bool) {
		v, present := obj[key]
		if !present {
			return "", false
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", false
		}
		return s, true
	}
	out, hasOut := str("stdout")
	errText, hasErr := str("stderr")
	if hasOut || hasErr {
		return out, errText, true
	}
	for _, key := range []string{"output", "result"} {
		if inner, present := obj[key]; present && len(inner) > 0 && inner[0] == '{' {
			return ExtractStreams(inner)
		}
	}
	return "", "", false
}

// FormatStreams renders stdout and stderr as one tool-output chunk.
func FormatStreams(stdout, stderr string) string {
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return "[stderr]\n" + stderr
	default:
		if !strings.HasSuffix(stdout, "\n") {
			stdout += "\n"
		}
		return stdout + "[stderr]\n" + stderr
	}
}
