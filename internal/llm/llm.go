// Package llm defines the streaming model-client boundary the agent runtime
// drives. Providers are hidden behind a single Stream call emitting typed
// events; the runtime never sees provider wire formats.
package llm

import (
	"context"
	"encoding/json"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a model request transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCallID ties a tool-role message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolDef advertises a callable tool to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Request is one streaming completion request.
type Request struct {
	Model    string    `json:"model,omitempty"`
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
	Tools    []ToolDef `json:"tools,omitempty"`

	// SessionToken is the provider's opaque continuation token from a prior
	// turn. Empty starts a fresh session.
	SessionToken string `json:"session_token,omitempty"`
}

// Client streams completions. The returned channel is closed after a Done or
// StreamError event; callers must drain it.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}
