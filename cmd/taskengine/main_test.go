package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/taskengine/event"
	"github.com/bazelment/yoloswe/taskengine/task"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func storedEvent(t *testing.T, id int64, ev event.Event) task.StoredEvent {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return task.StoredEvent{ID: id, Payload: b}
}

func TestSchemaCommand(t *testing.T) {
	out, err := execute(t, "schema", "--config", filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)))
	assert.Contains(t, out, string(event.KindStatusUpdate))
}

func TestRunCommandWithScriptedCLI(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "cli")
	require.NoError(t, os.WriteFile(bin, []byte(`#!/bin/sh
read -r prompt
echo '{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}}'
echo '{"type":"result","result":"Hello world","is_error":false}'
`), 0o755))

	out, err := execute(t, "run",
		"--config", filepath.Join(dir, "none.yaml"),
		"--cli-binary", bin,
		"--engine", "cli",
		"--task-id", "cmd-1",
		"--cwd", dir,
		"--json",
		"say", "hello")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	var last task.StoredEvent
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &last))
	assert.Equal(t, int64(3), last.ID)
	assert.Equal(t, event.StateCompleted, finalState(last.Payload))
}

func TestRunCommandRejectsUnknownEngine(t *testing.T) {
	_, err := execute(t, "run", "--config", filepath.Join(t.TempDir(), "none.yaml"), "--engine", "bogus", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrInvalidRequest)
	runEngine = string(task.EngineCLI)
}

func TestReadPrompt(t *testing.T) {
	p, err := readPrompt([]string{"fix", "the", "bug"}, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "fix the bug", p)

	p, err = readPrompt(nil, strings.NewReader("  from stdin\n"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", p)

	_, err = readPrompt(nil, strings.NewReader("   "))
	assert.Error(t, err)
}

func TestImageRef(t *testing.T) {
	assert.Equal(t, task.ImageRef{URL: "https://example.invalid/a.png"}, imageRef("https://example.invalid/a.png"))
	assert.Equal(t, task.ImageRef{UploadID: "upload-123"}, imageRef("upload-123"))
	assert.Equal(t, task.ImageRef{UploadID: "a.png"}, imageRef("a.png"))
}

func TestTextRenderer(t *testing.T) {
	var out, errOut bytes.Buffer
	r := &textRenderer{out: &out, errOut: &errOut}

	evs := []event.Event{
		event.NewStatus("t", "c", event.StateSubmitted, event.RoleUser, "m1", "prompt", false),
		event.NewStatus("t", "c", event.StateWorking, event.RoleAgent, "m2", "Hel", false),
		event.NewArtifact("t", "c", event.ArtifactToolOutput, false, false, event.TextPart("$ ls\n")),
		event.NewArtifact("t", "c", event.ArtifactReasoning, false, false, event.TextPart("thinking")),
		event.NewStatus("t", "c", event.StateWorking, event.RoleAgent, "m2", "lo", false),
		event.NewStatus("t", "c", event.StateCompleted, event.RoleAgent, "m2", "Hello", true),
	}
	var final event.State
	for i, ev := range evs {
		state, err := r.render(storedEvent(t, int64(i+1), ev))
		require.NoError(t, err)
		if state != "" {
			final = state
		}
	}
	assert.Equal(t, event.StateCompleted, final)
	assert.Equal(t, "Hello\n", out.String())
	assert.Equal(t, "$ ls\n", errOut.String())
}

func TestTextRenderer_FailureWithoutStreaming(t *testing.T) {
	var out, errOut bytes.Buffer
	r := &textRenderer{out: &out, errOut: &errOut}

	state, err := r.render(storedEvent(t, 1,
		event.NewStatus("t", "c", event.StateFailed, event.RoleAgent, "m", "boom", true)))
	require.NoError(t, err)
	assert.Equal(t, event.StateFailed, state)
	assert.Equal(t, "boom\n", out.String())
	assert.Equal(t, "[failed]\n", errOut.String())
}

func TestJSONRenderer(t *testing.T) {
	var out bytes.Buffer
	r := &jsonRenderer{enc: json.NewEncoder(&out)}

	state, err := r.render(storedEvent(t, 1,
		event.NewStatus("t", "c", event.StateWorking, event.RoleAgent, "m", "x", false)))
	require.NoError(t, err)
	assert.Empty(t, state)

	state, err = r.render(storedEvent(t, 2,
		event.NewStatus("t", "c", event.StateCancelled, event.RoleAgent, "m", "cancelled", true)))
	require.NoError(t, err)
	assert.Equal(t, event.StateCancelled, state)
	assert.Equal(t, 2, strings.Count(out.String(), "\n"))
}
