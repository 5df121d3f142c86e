package codex

import (
	"context"
	"fmt"
	"strings"
)

// InitializeResult is the app-server's answer to initialize.
type InitializeResult struct {
	UserAgent string `json:"userAgent"`
}

// Initialize performs the handshake: initialize then the initialized
// notification.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	params := map[string]any{
		"clientInfo": map[string]string{
			"name":    c.config.ClientName,
			"version": c.config.ClientVersion,
		},
	}
	var res InitializeResult
	if err := c.Call(ctx, MethodInitialize, params, &res); err != nil {
		return InitializeResult{}, fmt.Errorf("initialize: %w", err)
	}
	if err := c.Notify(MethodInitialized, nil); err != nil {
		return InitializeResult{}, fmt.Errorf("initialized: %w", err)
	}
	return res, nil
}

// ThreadStartParams are the params of thread/start.
type ThreadStartParams struct {
	Cwd            string `json:"cwd,omitempty"`
	Model          string `json:"model,omitempty"`
	ModelProvider  string `json:"modelProvider,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
}

type threadResult struct {
	Thread struct {
		ID string `json:"id"`
	} `json:"thread"`
}

// StartThread creates a thread and returns its id.
func (c *Client) StartThread(ctx context.Context, params ThreadStartParams) (string, error) {
	var res threadResult
	if err := c.Call(ctx, MethodThreadStart, params, &res); err != nil {
		return "", err
	}
	id := strings.TrimSpace(res.Thread.ID)
	if id == "" {
		return "", fmt.Errorf("%s: %w", MethodThreadStart, ErrEmptyID)
	}
	return id, nil
}

// ResumeThread reopens an existing thread. The returned id is the one the
// app-server reports, falling back to threadID.
func (c *Client) ResumeThread(ctx context.Context, threadID string) (string, error) {
	var res threadResult
	if err := c.Call(ctx, MethodThreadResume, map[string]string{"threadId": threadID}, &res); err != nil {
		return "", err
	}
	if id := strings.TrimSpace(res.Thread.ID); id != "" {
		return id, nil
	}
	return threadID, nil
}

// UserInput is one element of a turn's input.
type UserInput struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
	URL  string `json:"url,omitempty"`
}

// TextInput returns a text input element.
func TextInput(text string) UserInput { return UserInput{Type: "text", Text: text} }

// LocalImageInput returns an image input read from a local path.
func LocalImageInput(path string) UserInput { return UserInput{Type: "localImage", Path: path} }

// ImageURLInput returns an image input fetched from a URL.
func ImageURLInput(url string) UserInput { return UserInput{Type: "image", URL: url} }

// TurnStartParams are the params of turn/start.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Cwd      string      `json:"cwd,omitempty"`
	Model    string      `json:"model,omitempty"`
	Input    []UserInput `json:"input"`
}

// StartTurn starts a turn and returns its id.
func (c *Client) StartTurn(ctx context.Context, params TurnStartParams) (string, error) {
	var res struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if err := c.Call(ctx, MethodTurnStart, params, &res); err != nil {
		return "", err
	}
	id := strings.TrimSpace(res.Turn.ID)
	if id == "" {
		return "", fmt.Errorf("%s: %w", MethodTurnStart, ErrEmptyID)
	}
	return id, nil
}

// InterruptTurn asks the app-server to stop a running turn.
func (c *Client) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	return c.Call(ctx, MethodTurnInterrupt, map[string]string{"threadId": threadID, "turnId": turnID}, nil)
}

// WriteConfigValue upserts value at keyPath in the app-server config.
func (c *Client) WriteConfigValue(ctx context.Context, keyPath string, value any) error {
	params := map[string]any{
		"keyPath":       keyPath,
		"value":         value,
		"mergeStrategy": "upsert",
	}
	return c.Call(ctx, MethodConfigValueWrite, params, nil)
}

// Provider request types.
const (
	RequestTypeChat      = "chat"
	RequestTypeResponses = "responses"
	RequestTypeAzure     = "azure"
)

// DefaultAzureAPIVersion is used when an azure provider names no version.
const DefaultAzureAPIVersion = "2025-04-01-preview"

// ProviderConfig describes a model provider entry.
type ProviderConfig struct {
	ID          string
	Name        string
	BaseURL     string
	EnvKey      string
	RequestType string
	APIVersion  string
}

// ProviderValue returns the config table written for p.
func ProviderValue(p ProviderConfig) map[string]any {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	value := map[string]any{
		"name":     name,
		"base_url": p.BaseURL,
	}
	if p.EnvKey != "" {
		value["env_key"] = p.EnvKey
	}
	switch strings.ToLower(p.RequestType) {
	case RequestTypeResponses:
		value["wire_api"] = "responses"
	case RequestTypeAzure:
		value["wire_api"] = "responses"
		version := p.APIVersion
		if version == "" {
			version = DefaultAzureAPIVersion
		}
		value["query_params"] = map[string]string{"api-version": version}
	default:
		value["wire_api"] = "chat"
	}
	return value
}

// UpsertProvider writes p under model_providers once per (id, request
// type) for the life of the connection.
func (c *Client) UpsertProvider(ctx context.Context, p ProviderConfig) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("upsert provider: empty provider id")
	}
	key := p.ID + "\x00" + strings.ToLower(p.RequestType)
	c.mu.Lock()
	_, done := c.providers[key]
	c.mu.Unlock()
	if done {
		return nil
	}
	if err := c.WriteConfigValue(ctx, "model_providers."+p.ID, ProviderValue(p)); err != nil {
		return fmt.Errorf("upsert provider %s: %w", p.ID, err)
	}
	c.mu.Lock()
	c.providers[key] = struct{}{}
	c.mu.Unlock()
	return nil
}
