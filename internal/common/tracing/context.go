package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey struct{}

// Scope is the hierarchical operation context the kernel threads through
// every log line, metric, and span. Levels are filled in as an operation
// descends: conversation → phase → agent → tool.
type Scope struct {
	ConversationID string
	TurnID         string
	Phase          string
	AgentID        string
	Tool           string
}

// WithTurn returns a copy of the scope with the orchestrator turn id set.
func (s Scope) WithTurn(turnID string) Scope {
	s.TurnID = turnID
	return s
}

// WithPhase returns a copy of the scope with the phase set.
func (s Scope) WithPhase(phase string) Scope {
	s.Phase = phase
	return s
}

// WithAgent returns a copy of the scope with the agent set.
func (s Scope) WithAgent(agentID string) Scope {
	s.AgentID = agentID
	return s
}

// WithTool returns a copy of the scope with the tool set.
func (s Scope) WithTool(tool string) Scope {
	s.Tool = tool
	return s
}

// Fields renders the populated scope levels as zap fields.
func (s Scope) Fields() []zap.Field {
	fields := make([]zap.Field, 0, 5)
	if s.ConversationID != "" {
		fields = append(fields, zap.String("conversation_id", s.ConversationID))
	}
	if s.TurnID != "" {
		fields = append(fields, zap.String("turn_id", s.TurnID))
	}
	if s.Phase != "" {
		fields = append(fields, zap.String("phase", s.Phase))
	}
	if s.AgentID != "" {
		fields = append(fields, zap.String("agent_id", s.AgentID))
	}
	if s.Tool != "" {
		fields = append(fields, zap.String("tool", s.Tool))
	}
	return fields
}

// Attributes renders the populated scope levels as OTel span attributes.
func (s Scope) Attributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 5)
	if s.ConversationID != "" {
		attrs = append(attrs, attribute.String("tenex.conversation_id", s.ConversationID))
	}
	if s.TurnID != "" {
		attrs = append(attrs, attribute.String("tenex.turn_id", s.TurnID))
	}
	if s.Phase != "" {
		attrs = append(attrs, attribute.String("tenex.phase", s.Phase))
	}
	if s.AgentID != "" {
		attrs = append(attrs, attribute.String("tenex.agent_id", s.AgentID))
	}
	if s.Tool != "" {
		attrs = append(attrs, attribute.String("tenex.tool", s.Tool))
	}
	return attrs
}

// Into attaches the scope to a context.
func Into(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// From extracts the scope from a context. Returns a zero scope when absent.
func From(ctx context.Context) Scope {
	if s, ok := ctx.Value(ctxKey{}).(Scope); ok {
		return s
	}
	return Scope{}
}

// StartSpan starts a span carrying the scope's attributes. The span nests
// under any span already present in ctx, which is how the conversation →
// phase → agent → tool hierarchy shows up in traces.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := Tracer("kernel").Start(ctx, name)
	span.SetAttributes(From(ctx).Attributes()...)
	return ctx, span
}
