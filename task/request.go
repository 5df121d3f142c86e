package task

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Engine selects the backing engine for a task.
type Engine string

const (
	EngineRPC Engine = "rpc"
	EngineCLI Engine = "cli"
)

// Valid reports whether e names a known engine.
func (e Engine) Valid() bool {
	return e == EngineRPC || e == EngineCLI
}

// ImageRef references an image attached to a prompt. UploadID is resolved to
// a local file when possible; URL is the remote fallback.
type ImageRef struct {
	UploadID string `json:"uploadId,omitempty" yaml:"upload_id,omitempty"`
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Provider describes a model provider that must be configured on the RPC
// engine before first use.
type Provider struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	BaseURL     string `json:"baseUrl" yaml:"base_url"`
	EnvKey      string `json:"envKey,omitempty" yaml:"env_key,omitempty"`
	RequestType string `json:"requestType,omitempty" yaml:"request_type,omitempty"`
	APIVersion  string `json:"apiVersion,omitempty" yaml:"api_version,omitempty"`
}

// Request is a start request for a task.
type Request struct {
	Provider       *Provider  `json:"provider,omitempty"`
	TaskID         string     `json:"taskId"`
	ContextID      string     `json:"contextId"`
	Cwd            string     `json:"cwd"`
	Engine         Engine     `json:"engine"`
	Text           string     `json:"text"`
	UserMessageID  string     `json:"userMessageId,omitempty"`
	AgentMessageID string     `json:"agentMessageId,omitempty"`
	Model          string     `json:"model,omitempty"`
	Images         []ImageRef `json:"images,omitempty"`
}

// ErrInvalidRequest is wrapped by Validate failures.
var ErrInvalidRequest = errors.New("invalid start request")

// Validate checks the fields every engine needs.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.TaskID) == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidRequest)
	}
	if !r.Engine.Valid() {
		return fmt.Errorf("%w: unknown engine %q", ErrInvalidRequest, r.Engine)
	}
	return nil
}

// Normalize fills defaults: the context id falls back to the task id and
// blank message ids are replaced with fresh ULIDs.
func (r *Request) Normalize() {
	if strings.TrimSpace(r.ContextID) == "" {
		r.ContextID = r.TaskID
	}
	if r.UserMessageID == "" {
		r.UserMessageID = ulid.Make().String()
	}
	if r.AgentMessageID == "" {
		r.AgentMessageID = ulid.Make().String()
	}
}
