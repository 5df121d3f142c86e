package translate

import "encoding/json"

// TokenUsage is the engine-neutral token-usage snapshot carried by the
// token-usage artifact.
type TokenUsage struct {
	InputTokens           int64   `json:"inputTokens"`
	CachedInputTokens     int64   `json:"cachedInputTokens"`
	OutputTokens          int64   `json:"outputTokens"`
	ReasoningOutputTokens int64   `json:"reasoningOutputTokens"`
	TotalTokens           int64   `json:"totalTokens"`
	CostUSD               float64 `json:"costUsd,omitempty"`
}

// IsZero reports whether no counter is set.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 && u.CachedInputTokens == 0 && u.OutputTokens == 0 &&
		u.ReasoningOutputTokens == 0 && u.TotalTokens == 0 && u.CostUSD == 0
}

func (u TokenUsage) normalized() TokenUsage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

// ClaudeUsage converts the CLI engine's usage counters. Cache writes count as
// input; cache reads are reported as cached input.
func ClaudeUsage(input, cacheCreation, cacheRead, output int, costUSD float64) TokenUsage {
	return TokenUsage{
		InputTokens:       int64(input + cacheCreation + cacheRead),
		CachedInputTokens: int64(cacheRead),
		OutputTokens:      int64(output),
		CostUSD:           costUSD,
	}.normalized()
}

// usageAliases lists the accepted spellings of each counter.
var usageAliases = map[string][]string{
	"input":     {"inputTokens", "input_tokens"},
	"cached":    {"cachedInputTokens", "cached_input_tokens", "cache_read_input_tokens"},
	"output":    {"outputTokens", "output_tokens"},
	"reasoning": {"reasoningOutputTokens", "reasoning_output_tokens"},
	"total":     {"totalTokens", "total_tokens"},
}

// ParseUsage reads a usage object in either camelCase or snake_case.
// Wrappers used by the RPC engine ("total", "total_token_usage", "info",
// "tokenUsage") are unwrapped first. ok is false when no counter is found.
func ParseUsage(raw json.RawMessage) (TokenUsage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return TokenUsage{}, false
	}
	for _, wrapper := range []string{"tokenUsage", "info", "total", "total_token_usage"} {
		if inner, ok := obj[wrapper]; ok && len(inner) > 0 && inner[0] == '{' {
			if u, ok := ParseUsage(inner); ok {
				return u, true
			}
		}
	}

	read := func(names []string) (int64, bool) {
		for _, n := range names {
			if v, ok := obj[n]; ok {
				var i int64
				if err := json.Unmarshal(v, &i); err == nil {
					return i, true
				}
			}
		}
		return 0, false
	}

	var u TokenUsage
	found := false
	set := func(dst *int64, key string) {
		if v, ok := read(usageAliases[key]); ok {
			*dst = v
			found = true
		}
	}
	set(&u.InputTokens, "input")
	set(&u.CachedInputTokens, "cached")
	set(&u.OutputTokens, "output")
	set(&u.ReasoningOutputTokens, "reasoning")
	set(&u.TotalTokens, "total")
	if !found {
		return TokenUsage{}, false
	}
	return u.normalized(), true
}
