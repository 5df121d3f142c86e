package cliengine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/taskengine/event"
	"github.com/bazelment/yoloswe/taskengine/task"
)

func newCLITask(t *testing.T, id, contextID string) *task.Task {
	t.Helper()
	req := task.Request{TaskID: id, ContextID: contextID, Engine: task.EngineCLI, Text: "prompt"}
	req.Normalize()
	tk, created := task.NewRegistry(task.Hooks{}).Create(req)
	require.True(t, created)
	return tk
}

func events(t *testing.T, tk *task.Task) []event.Event {
	t.Helper()
	stored, _, _ := tk.Since(0)
	out := make([]event.Event, 0, len(stored))
	for _, s := range stored {
		ev, err := event.Decode(s.Payload)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func toolEntries(t *testing.T, tk *task.Task) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ev := range events(t, tk) {
		au, ok := ev.(*event.ArtifactUpdate)
		if !ok || au.Artifact.Name != event.ArtifactClaudeTools {
			continue
		}
		require.Len(t, au.Artifact.Parts, 1)
		entry, ok := au.Artifact.Parts[0].Data.(map[string]any)
		require.True(t, ok)
		out = append(out, entry)
	}
	return out
}

func workingTexts(t *testing.T, tk *task.Task) []string {
	t.Helper()
	var out []string
	for _, ev := range events(t, tk) {
		if su, ok := ev.(*event.StatusUpdate); ok && su.Status.State == event.StateWorking {
			out = append(out, su.Text())
		}
	}
	return out
}

func feed(d *decoder, lines ...string) {
	for _, l := range lines {
		d.handleLine([]byte(l))
	}
}

func TestDecoderTextDeltasThenResult(t *testing.T) {
	tk := newCLITask(t, "t", "c")
	d := newDecoder(tk, nopLogger)
	feed(d,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}}`,
		`{"type":"result","result":"Hello world","is_error":false}`,
	)
	assert.Equal(t, []string{"Hello"}, workingTexts(t, tk))
	assert.Equal(t, "Hello world", tk.Text())
	require.NotNil(t, d.result)
	assert.NoError(t, d.resultError())
}

func TestDecoderAssistantSeedsOnlyWithoutDeltas(t *testing.T) {
	t.Run("no deltas", func(t *testing.T) {
		tk := newCLITask(t, "t", "c")
		d := newDecoder(tk, nopLogger)
		feed(d,
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"Answer"}]}}`,
		)
		assert.Equal(t, "Answer", tk.Text())
		assert.Equal(t, "hmm", tk.Reasoning())
		assert.Equal(t, []string{"Answer"}, workingTexts(t, tk))
	})

	t.Run("after deltas", func(t *testing.T) {
		tk := newCLITask(t, "t", "c")
		d := newDecoder(tk, nopLogger)
		feed(d,
			`{"type":"stream_event","event":{"type":"message_start","message":{"role":"assistant","content":[]}}}`,
			`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Ans"}}}`,
			`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"wer"}}}`,
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Answer"}]}}`,
		)
		assert.Equal(t, "Answer", tk.Text())
		assert.Equal(t, []string{"Ans", "wer"}, workingTexts(t, tk))
	})

	t.Run("next message without deltas", func(t *testing.T) {
		tk := newCLITask(t, "t", "c")
		d := newDecoder(tk, nopLogger)
		feed(d,
			`{"type":"stream_event","event":{"type":"message_start","message":{"role":"assistant","content":[]}}}`,
			`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"First. "}}}`,
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"First. "}]}}`,
			`{"type":"stream_event","event":{"type":"message_start","message":{"role":"assistant","content":[]}}}`,
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Second."}]}}`,
		)
		assert.Equal(t, "First. Second.", tk.Text())
	})
}

func TestDecoderToolCorrelation(t *testing.T) {
	tk := newCLITask(t, "t", "c")
	d := newDecoder(tk, nopLogger)
	feed(d,
		`{"type":"stream_event","event":{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"Bash","input":{}}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"command\":"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":" \"ls\"}"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_stop","index":1}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"a.txt"}]}}`,
	)

	entries := toolEntries(t, tk)
	require.Len(t, entries, 3)
	assert.Equal(t, "tool_use", entries[0]["kind"])
	assert.Equal(t, "Bash", entries[0]["toolName"])
	assert.Nil(t, entries[0]["input"])

	assert.Equal(t, "tool_input", entries[1]["kind"])
	assert.Equal(t, map[string]any{"command": "ls"}, entries[1]["input"])

	assert.Equal(t, map[string]any{
		"kind":      "tool_result",
		"toolUseId": "tu_1",
		"toolName":  "Bash",
		"input":     map[string]any{"command": "ls"},
		"output":    "a.txt",
		"isError":   false,
	}, entries[2])
	assert.Equal(t, "a.txt\n", tk.ToolOutput())
}

func TestDecoderToolFromAssistantOnly(t *testing.T) {
	tk := newCLITask(t, "t", "c")
	d := newDecoder(tk, nopLogger)
	feed(d,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu_9","name":"Read","input":{"path":"go.mod"}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_9","is_error":true,"content":[{"type":"text","text":"no such file"}]}]}}`,
	)
	entries := toolEntries(t, tk)
	require.Len(t, entries, 2)
	assert.Equal(t, "tool_use", entries[0]["kind"])
	assert.Equal(t, map[string]any{"path": "go.mod"}, entries[0]["input"])
	assert.Equal(t, "tool_result", entries[1]["kind"])
	assert.Equal(t, "Read", entries[1]["toolName"])
	assert.Equal(t, true, entries[1]["isError"])
	assert.Equal(t, "no such file", entries[1]["output"])
}

func TestDecoderThrottlesPartialInput(t *testing.T) {
	tk := newCLITask(t, "t", "c")
	d := newDecoder(tk, nopLogger)
	long := strings.Repeat("a", 300)
	feed(d,
		`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"Write","input":{}}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"content\": \""}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"`+long+`"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"b\"}"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`,
	)

	entries := toolEntries(t, tk)
	require.Len(t, entries, 3, "tool_use, one intermediate snapshot, final input")
	assert.Equal(t, "tool_input", entries[1]["kind"])
	assert.Equal(t, map[string]any{"content": long}, entries[1]["input"])
	assert.Equal(t, "tool_input", entries[2]["kind"])
	assert.Equal(t, map[string]any{"content": long + "b"}, entries[2]["input"])
}

func TestDecoderUnparseableLineIsToolOutput(t *testing.T) {
	tk := newCLITask(t, "t", "c")
	d := newDecoder(tk, nopLogger)
	feed(d, `warning: something odd`, ``, `{"type":"mystery"}`)
	assert.Equal(t, "warning: something odd\n", tk.ToolOutput())
	assert.False(t, d.sessionMissing)

	feed(d, `Error: No conversation found with session ID abc`)
	assert.True(t, d.sessionMissing)
}

func TestDecoderResultUsageAndError(t *testing.T) {
	tk := newCLITask(t, "t", "c")
	d := newDecoder(tk, nopLogger)
	feed(d, `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"","errors":["rate limited"],"usage":{"input_tokens":10,"cache_read_input_tokens":5,"output_tokens":3},"total_cost_usd":0.01}`)

	err := d.resultError()
	require.Error(t, err)
	assert.Equal(t, "rate limited", err.Error())

	var usage *event.ArtifactUpdate
	for _, ev := range events(t, tk) {
		if au, ok := ev.(*event.ArtifactUpdate); ok && au.Artifact.Name == event.ArtifactTokenUsage {
			usage = au
		}
	}
	require.NotNil(t, usage)
	assert.False(t, usage.Append)
	assert.True(t, usage.LastChunk)
	assert.Equal(t, map[string]any{
		"inputTokens":           float64(15),
		"cachedInputTokens":     float64(5),
		"outputTokens":          float64(3),
		"reasoningOutputTokens": float64(0),
		"totalTokens":           float64(18),
		"costUsd":               0.01,
	}, usage.Artifact.Parts[0].Data)
}

func TestDecoderErrorResultIsNotAssistantText(t *testing.T) {
	tk := newCLITask(t, "t", "c")
	d := newDecoder(tk, nopLogger)
	feed(d, `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"API Error: 500 internal"}`)

	assert.Empty(t, tk.Text())
	err := d.resultError()
	require.Error(t, err)
	assert.Equal(t, "API Error: 500 internal", err.Error())
}
