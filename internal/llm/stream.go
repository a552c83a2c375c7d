package llm

import "encoding/json"

// StreamEvent is one typed element of a model response stream. Consumers
// switch on the concrete type; the marker method keeps the set closed.
type StreamEvent interface {
	streamEvent()
}

// ContentDelta carries a fragment of user-visible assistant text.
type ContentDelta struct {
	Text string
}

// ReasoningDelta carries a fragment of non-visible model reasoning.
type ReasoningDelta struct {
	Text string
}

// ToolCallStart signals the model requested a tool invocation the runtime
// must execute.
type ToolCallStart struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// ToolCallComplete reports a tool the provider executed itself; the runtime
// records it without running anything.
type ToolCallComplete struct {
	CallID string
	Name   string
	Result string
}

// Usage reports token accounting for the stream.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Done terminates a successful stream.
type Done struct {
	// SessionToken is the provider continuation token to persist for the
	// next invocation of the same agent in this conversation.
	SessionToken string
	StopReason   string
}

// StreamError terminates a failed stream.
type StreamError struct {
	Err error
}

func (ContentDelta) streamEvent()     {}
func (ReasoningDelta) streamEvent()   {}
func (ToolCallStart) streamEvent()    {}
func (ToolCallComplete) streamEvent() {}
func (Usage) streamEvent()            {}
func (Done) streamEvent()             {}
func (StreamError) streamEvent()      {}
