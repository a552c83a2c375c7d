package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tenex/tenex/internal/agent"
	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/common/tracing"
)

// Executor runs tool calls sequentially for one agent invocation. Calls are
// validated, dispatched, and always answered with a result envelope; a new
// Executor is created per agent turn so duplicate call-id tracking resets.
type Executor struct {
	registry *Registry
	agentDef *agent.Definition
	seen     map[string]bool
	logger   *logger.Logger
}

// NewExecutor creates an executor scoped to one agent invocation.
func NewExecutor(registry *Registry, def *agent.Definition, log *logger.Logger) *Executor {
	l := log.WithFields(zap.String("component", "tool-executor"))
	if def != nil {
		l = l.WithAgentID(def.ID)
	}
	return &Executor{
		registry: registry,
		agentDef: def,
		seen:     make(map[string]bool),
		logger:   l,
	}
}

// Execute runs one call through the pipeline: duplicate and grant checks,
// schema validation, then the handler. It never returns an error; failures
// are encoded in the result so the model can react.
func (e *Executor) Execute(ctx context.Context, call Call) *Result {
	ctx, span := tracing.StartSpan(ctx, "tool.execute")
	defer span.End()

	start := time.Now()
	timed := func(r *Result) *Result {
		r.DurationMs = time.Since(start).Milliseconds()
		return r
	}

	log := e.logger.WithFields(
		zap.String("tool", call.Name),
		zap.String("call_id", call.ID),
	)

	if call.ID == "" {
		return timed(Failed(call, ErrKindProtocol, "tool call missing call id"))
	}
	if e.seen[call.ID] {
		log.Warn("duplicate tool call id rejected")
		return timed(Failed(call, ErrKindProtocol, fmt.Sprintf("duplicate call id %q", call.ID)))
	}
	e.seen[call.ID] = true

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		log.Warn("unknown tool requested")
		return timed(Failed(call, ErrKindProtocol, fmt.Sprintf("unknown tool %q", call.Name)))
	}
	if e.agentDef != nil && !e.agentDef.HasTool(call.Name) {
		log.Warn("tool not granted to agent")
		return timed(Failed(call, ErrKindProtocol, fmt.Sprintf("tool %q is not available to this agent", call.Name)))
	}

	if err := e.registry.validate(call.Name, call.Arguments); err != nil {
		log.Debug("tool arguments rejected", zap.Error(err))
		return timed(Failed(call, ErrKindValidation, err.Error()))
	}

	result, err := tool.Handler(ctx, call)
	if err != nil {
		log.Warn("tool handler failed", zap.Error(err))
		return timed(Failed(call, ErrKindExecution, err.Error()))
	}
	if result == nil {
		result = &Result{OK: true}
	}
	result.CallID = call.ID
	result.Name = call.Name
	result.OK = result.ErrKind == ""
	timed(result)

	log.Debug("tool executed",
		zap.Bool("ok", result.OK),
		zap.Int64("duration_ms", result.DurationMs))
	return result
}

// DecodeArgs unmarshals call arguments into a typed value, for use inside
// handlers after schema validation has already passed.
func DecodeArgs(call Call, v any) error {
	payload := call.Arguments
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return json.Unmarshal(payload, v)
}
