package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/bazelment/yoloswe/taskengine/event"
	"github.com/bazelment/yoloswe/taskengine/task"
	"github.com/bazelment/yoloswe/taskengine/translate"
)

// renderer writes one stored event and returns the terminal state when
// the event is final.
type renderer interface {
	render(ev task.StoredEvent) (event.State, error)
}

type jsonRenderer struct {
	enc *json.Encoder
}

func (r *jsonRenderer) render(ev task.StoredEvent) (event.State, error) {
	if err := r.enc.Encode(ev); err != nil {
		return "", err
	}
	return finalState(ev.Payload), nil
}

func finalState(payload []byte) event.State {
	decoded, err := event.Decode(payload)
	if err != nil {
		return ""
	}
	if su, ok := decoded.(*event.StatusUpdate); ok && su.Final {
		return su.Status.State
	}
	return ""
}

// textRenderer prints streamed assistant text to out and tool activity
// to errOut.
type textRenderer struct {
	out       io.Writer
	errOut    io.Writer
	streamed  bool
	reasoning bool
}

func (r *textRenderer) render(ev task.StoredEvent) (event.State, error) {
	decoded, err := event.Decode(ev.Payload)
	if err != nil {
		return "", nil
	}
	switch e := decoded.(type) {
	case *event.StatusUpdate:
		return r.status(e)
	case *event.ArtifactUpdate:
		return "", r.artifact(e)
	}
	return "", nil
}

func (r *textRenderer) status(su *event.StatusUpdate) (event.State, error) {
	switch {
	case su.Final:
		if !r.streamed || su.Status.State != event.StateCompleted {
			if _, err := fmt.Fprint(r.out, su.Text()); err != nil {
				return "", err
			}
		}
		if _, err := fmt.Fprintln(r.out); err != nil {
			return "", err
		}
		if su.Status.State != event.StateCompleted {
			fmt.Fprintf(r.errOut, "[%s]\n", su.Status.State)
		}
		return su.Status.State, nil
	case su.Status.State == event.StateWorking:
		text := su.Text()
		if text == "" {
			return "", nil
		}
		r.streamed = true
		_, err := fmt.Fprint(r.out, text)
		return "", err
	}
	return "", nil
}

func (r *textRenderer) artifact(au *event.ArtifactUpdate) error {
	var text strings.Builder
	for _, p := range au.Artifact.Parts {
		text.WriteString(p.Text)
	}
	switch au.Artifact.Name {
	case event.ArtifactToolOutput:
		_, err := fmt.Fprint(r.errOut, text.String())
		return err
	case event.ArtifactReasoning:
		if r.reasoning {
			_, err := fmt.Fprint(r.errOut, text.String())
			return err
		}
	case event.ArtifactClaudeTools:
		for _, p := range au.Artifact.Parts {
			m, ok := p.Data.(map[string]any)
			if !ok || m["kind"] != string(translate.ToolKindUse) {
				continue
			}
			if name, _ := m["toolName"].(string); name != "" {
				fmt.Fprintf(r.errOut, "[tool %s]\n", name)
			}
		}
	}
	return nil
}

// imageRef treats values that parse as absolute URLs as URLs and anything
// else as an upload id.
func imageRef(v string) task.ImageRef {
	if u, err := url.Parse(v); err == nil && u.Scheme != "" && u.Host != "" {
		return task.ImageRef{URL: v}
	}
	return task.ImageRef{UploadID: v}
}
