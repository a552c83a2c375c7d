// Package tools implements the tool execution pipeline: a registry of
// schema-validated tools and an executor that turns model tool calls into
// result envelopes. Tool failures are data returned to the model, never
// errors that abort the agent loop.
package tools

import (
	"context"
	"encoding/json"

	"github.com/tenex/tenex/internal/llm"
)

// Error kinds carried on failed results.
const (
	ErrKindValidation = "validation" // arguments rejected by the schema
	ErrKindExecution  = "execution"  // the handler ran and failed
	ErrKindProtocol   = "protocol"   // the call itself was malformed
)

// Control signals a builtin can attach to a result. The runtime reads these
// to detect explicit turn termination.
const (
	ControlComplete        = "complete"
	ControlEndConversation = "end_conversation"
)

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Result is the envelope returned for every call, success or failure.
// DurationMs covers the whole pipeline, validation included.
type Result struct {
	CallID     string            `json:"call_id"`
	Name       string            `json:"name"`
	OK         bool              `json:"ok"`
	Output     string            `json:"output,omitempty"`
	ErrKind    string            `json:"err_kind,omitempty"`
	ErrMsg     string            `json:"err_msg,omitempty"`
	Control    string            `json:"control,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

// Failed builds an error result for a call.
func Failed(call Call, kind, msg string) *Result {
	return &Result{CallID: call.ID, Name: call.Name, ErrKind: kind, ErrMsg: msg}
}

// Render returns the result as the tool-role message content sent back to
// the model.
func (r *Result) Render() string {
	if r.OK {
		return r.Output
	}
	return "tool error (" + r.ErrKind + "): " + r.ErrMsg
}

// Handler executes a validated tool call. A returned error becomes an
// execution-kind failure result.
type Handler func(ctx context.Context, call Call) (*Result, error)

// Tool couples a name, an argument schema, and a handler.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     Handler
}

// Def converts the tool to the advertisement shape sent to the model.
func (t *Tool) Def() llm.ToolDef {
	return llm.ToolDef{Name: t.Name, Description: t.Description, Schema: t.Schema}
}
