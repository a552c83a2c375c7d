package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tenex/tenex/internal/agent"
	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/common/stringutil"
	"github.com/tenex/tenex/internal/common/tracing"
	"github.com/tenex/tenex/internal/conversation"
	"github.com/tenex/tenex/internal/conversation/store"
	"github.com/tenex/tenex/internal/events/bus"
	"github.com/tenex/tenex/internal/execqueue"
	"github.com/tenex/tenex/internal/kernel/runtime"
	"github.com/tenex/tenex/internal/llm"
)

const routingSystemPrompt = `You are the invisible routing layer of a multi-agent system. You never
speak to the user. After reading the conversation state you answer with a
single JSON object and nothing else:

{"agents": ["agent-id"], "phase": "optional-phase", "reason": "why", "user_override": false}

Rules:
- Route to the agents best suited for the next step. Multiple agents run in parallel.
- "agents": ["END"] terminates the conversation when nothing remains to do.
- "agents": [] with no phase waits for the user to speak.
- Phases: chat, brainstorm, plan, execute, verification, chores, reflection.
- Allowed transitions: chat->execute|plan|brainstorm, brainstorm->chat|plan|execute,
  plan->execute, execute->verification|chat, verification->chores|execute|chat,
  chores->reflection, reflection->chat.
- After execute you MUST continue through verification, chores, and reflection.
  Shortcutting back to chat is only allowed when the user explicitly asked for
  it; then set "user_override": true and quote the user in "reason".`

// Orchestrator runs the routing loop: on every conversation trigger it asks
// the routing model who acts next, fans the work out, records completions,
// and repeats until the model waits for the user or ends the conversation.
type Orchestrator struct {
	store   *store.Store
	agents  *agent.Registry
	client  llm.Client
	runtime *runtime.Runtime
	queue   *execqueue.Queue
	bus     bus.Bus
	subject string

	kernelKey string
	model     string

	logger *logger.Logger
}

// OrchestratorConfig bundles the orchestrator's dependencies.
type OrchestratorConfig struct {
	Store     *store.Store
	Agents    *agent.Registry
	Client    llm.Client
	Runtime   *runtime.Runtime
	Queue     *execqueue.Queue
	Bus       bus.Bus
	Subject   string
	KernelKey string
	Model     string
}

// NewOrchestrator creates the routing loop.
func NewOrchestrator(cfg OrchestratorConfig, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:     cfg.Store,
		agents:    cfg.Agents,
		client:    cfg.Client,
		runtime:   cfg.Runtime,
		queue:     cfg.Queue,
		bus:       cfg.Bus,
		subject:   cfg.Subject,
		kernelKey: cfg.KernelKey,
		model:     cfg.Model,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
	}
}

// HandleTrigger drives the routing loop for one conversation until it waits
// for the user, terminates, blocks on the execute queue, or is parked for an
// operator. Runs inside the conversation's serialized work queue.
func (o *Orchestrator) HandleTrigger(ctx context.Context, conversationID string) {
	scope := tracing.Scope{ConversationID: conversationID}
	ctx = tracing.Into(ctx, scope)
	log := o.logger.WithConversationID(conversationID)

	for {
		if ctx.Err() != nil {
			return
		}
		conv, err := o.store.Get(conversationID)
		if err != nil {
			log.Error("conversation vanished mid-route", zap.Error(err))
			return
		}
		if conv.Terminal || conv.AwaitingOperator {
			return
		}
		startPhase := conv.Phase

		decision := o.directDecision(conversationID, conv)
		if decision == nil {
			decision, err = o.route(ctx, conv)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				o.awaitOperator(ctx, conversationID, err)
				return
			}
		}
		log.Info("routing decision",
			zap.Strings("agents", decision.Agents),
			zap.String("phase", decision.Phase),
			zap.String("reason", decision.Reason))

		target := conv.Phase
		if decision.Phase != "" {
			target = conversation.Phase(decision.Phase)
		}
		if target != conversation.PhaseExecute && conv.Phase != conversation.PhaseExecute {
			// A lock granted while this conversation was queued is no longer
			// wanted; hand it to the next waiter instead of leaking it.
			if holder, held := o.queue.Holder(); held && holder == conversationID {
				_ = o.queue.Release(conversationID)
			}
		}

		if decision.IsEnd() {
			o.endConversation(ctx, conversationID)
			return
		}
		if decision.IsWait() {
			return
		}

		// Entering Execute is atomic with lock acquisition: the lock comes
		// first, and the transition is only recorded on a grant. A denied
		// request leaves the conversation in its current phase, queued; the
		// grant re-triggers routing and this path runs again as the holder.
		if target == conversation.PhaseExecute {
			grant := o.queue.Request(conversationID, primaryAgent(decision))
			if !grant.Acquired {
				o.publishQueuedNote(ctx, conversationID, grant)
				return
			}
		}

		if !o.applyPhase(ctx, conversationID, conv.Phase, decision) {
			if target == conversation.PhaseExecute && conv.Phase != conversation.PhaseExecute {
				// Roll the acquisition back so lock and phase agree.
				if err := o.queue.Release(conversationID); err != nil && !errors.Is(err, execqueue.ErrNotHolder) {
					log.Warn("failed to roll back execute lock", zap.Error(err))
				}
			}
			// Transition rejected; fall back to the project manager in the
			// current phase so the user still gets an answer.
			decision = o.pmFallback("routing requested an illegal phase transition")
		}

		conv, err = o.store.Get(conversationID)
		if err != nil {
			return
		}
		if len(decision.Agents) == 0 {
			if conv.Phase == startPhase {
				// No agents and no movement: wait for the user.
				return
			}
			// Phase-only decision: nothing to fan out, route again.
			continue
		}

		turnID := uuid.NewString()
		scope = scope.WithTurn(turnID).WithPhase(string(conv.Phase))
		ctx = tracing.Into(ctx, scope)
		if err := o.store.StartTurn(conversationID, &conversation.OrchestratorTurn{
			TurnID:       turnID,
			StartedAt:    time.Now().Unix(),
			Phase:        conv.Phase,
			TargetAgents: decision.Agents,
			Reason:       decision.Reason,
		}); err != nil {
			log.Error("failed to start turn", zap.Error(err))
			return
		}

		ended, completed := o.runTurn(ctx, conversationID, turnID, conv.Phase, decision.Agents)
		if ended {
			o.endConversation(ctx, conversationID)
			return
		}
		if completed == 0 {
			if ctx.Err() != nil {
				return
			}
			o.awaitOperator(ctx, conversationID,
				fmt.Errorf("none of the routed agents (%s) completed a turn", strings.Join(decision.Agents, ", ")))
			return
		}
		// Loop: route again with the new completions in context.
	}
}

// directDecision routes a user event straight to the agents its p tags name,
// bypassing the routing model. Used at most once per event.
func (o *Orchestrator) directDecision(conversationID string, conv *conversation.Conversation) *RoutingDecision {
	if len(conv.History) == 0 {
		return nil
	}
	last := conv.History[len(conv.History)-1]
	if last.Kind != bus.KindUserMessage || conv.Metadata[conversation.MetaDirectRouted] == last.ID {
		return nil
	}

	var targets []string
	seen := map[string]bool{}
	for _, v := range last.TagValues(bus.TagParticipant) {
		id := v
		if !o.agents.Has(id) {
			def, ok := o.agents.ByKey(v)
			if !ok {
				continue
			}
			id = def.ID
		}
		if !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	if err := o.store.With(conversationID, func(c *conversation.Conversation) error {
		if c.Metadata == nil {
			c.Metadata = make(map[string]string)
		}
		c.Metadata[conversation.MetaDirectRouted] = last.ID
		return nil
	}); err != nil {
		o.logger.WithConversationID(conversationID).Warn("failed to record direct routing", zap.Error(err))
		return nil
	}
	return &RoutingDecision{Agents: targets, Reason: "directly addressed by the user"}
}

// primaryAgent names the agent the execute lock is held for.
func primaryAgent(d *RoutingDecision) string {
	if len(d.Agents) > 0 {
		return d.Agents[0]
	}
	return ""
}

// awaitOperator parks the conversation after the routing loop could not make
// progress: no more turns run until a user message or operator action
// resumes it. A diagnostic note tells the user what happened.
func (o *Orchestrator) awaitOperator(ctx context.Context, conversationID string, cause error) {
	o.logger.WithConversationID(conversationID).Error("routing suspended, awaiting operator", zap.Error(cause))
	if err := o.store.With(conversationID, func(c *conversation.Conversation) error {
		c.MarkAwaitingOperator()
		return nil
	}); err != nil {
		o.logger.Error("failed to mark conversation awaiting operator", zap.Error(err))
	}
	note := bus.NewEvent(bus.KindSystemNote, o.kernelKey,
		fmt.Sprintf("Routing is suspended: %v. The conversation is awaiting operator attention and will resume on the next message.", cause),
		[][]string{{bus.TagConversation, conversationID}})
	if err := o.bus.Publish(ctx, o.subject, note); err != nil {
		o.logger.Warn("failed to publish suspension note", zap.Error(err))
	}
}

// runTurn fans the turn out to its target agents and settles each of them.
// Returns whether any agent ended the conversation and how many completed.
func (o *Orchestrator) runTurn(ctx context.Context, conversationID, turnID string, phase conversation.Phase, agentIDs []string) (bool, int) {
	log := o.logger.WithConversationID(conversationID)
	var ended atomic.Bool
	var completed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	for _, agentID := range agentIDs {
		agentID := agentID
		g.Go(func() error {
			def, err := o.agents.Get(agentID)
			if err != nil {
				o.settleFailure(ctx, conversationID, turnID, agentID, err)
				return nil
			}
			outcome, err := o.runtime.Run(gctx, conversationID, def, phase)
			if err != nil {
				o.settleFailure(ctx, conversationID, turnID, agentID, err)
				return nil
			}
			md := map[string]string{}
			if outcome.AutoCompleted {
				md["auto_completed"] = "true"
			}
			if err := o.store.AddCompletion(conversationID, turnID, conversation.Completion{
				AgentID:  agentID,
				Summary:  outcome.Summary,
				Metadata: md,
				At:       time.Now().Unix(),
			}); err != nil {
				log.Error("failed to record completion",
					zap.String("agent_id", agentID), zap.Error(err))
			}
			completed.Add(1)
			if outcome.EndConversation {
				ended.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()
	return ended.Load(), int(completed.Load())
}

// settleFailure marks an agent failed on its turn and tells the user.
func (o *Orchestrator) settleFailure(ctx context.Context, conversationID, turnID, agentID string, cause error) {
	o.logger.WithConversationID(conversationID).Error("agent invocation failed",
		zap.String("agent_id", agentID), zap.Error(cause))
	if err := o.store.With(conversationID, func(c *conversation.Conversation) error {
		return c.MarkAgentFailed(turnID, agentID)
	}); err != nil {
		o.logger.Error("failed to mark agent failed", zap.Error(err))
	}
	note := bus.NewEvent(bus.KindSystemNote, o.kernelKey,
		fmt.Sprintf("%s could not complete its turn: %v", agentID, cause),
		[][]string{{bus.TagConversation, conversationID}})
	if err := o.bus.Publish(ctx, o.subject, note); err != nil {
		o.logger.Warn("failed to publish failure note", zap.Error(err))
	}
}

// applyPhase records the decision's phase transition. Returns false when the
// transition is rejected.
func (o *Orchestrator) applyPhase(ctx context.Context, conversationID string, current conversation.Phase, decision *RoutingDecision) bool {
	if decision.Phase == "" || decision.Phase == string(current) {
		return true
	}
	to := conversation.Phase(decision.Phase)
	err := o.store.RecordTransition(conversationID, conversation.PhaseTransition{
		From:      current,
		To:        to,
		Initiator: conversation.InitiatorOrchestrator,
		Reason:    decision.Reason,
	}, decision.UserOverride)
	if err != nil {
		o.logger.WithConversationID(conversationID).Warn("phase transition rejected",
			zap.String("from", string(current)), zap.String("to", decision.Phase), zap.Error(err))
		return false
	}
	if current == conversation.PhaseExecute {
		if err := o.queue.Release(conversationID); err != nil && !errors.Is(err, execqueue.ErrNotHolder) {
			o.logger.Warn("failed to release execute lock", zap.Error(err))
		}
	}
	return true
}

// endConversation marks the conversation terminal and frees the execute
// lock if this conversation holds it.
func (o *Orchestrator) endConversation(ctx context.Context, conversationID string) {
	if err := o.store.With(conversationID, func(c *conversation.Conversation) error {
		c.MarkTerminal()
		return nil
	}); err != nil {
		o.logger.Error("failed to mark conversation terminal", zap.Error(err))
	}
	if holder, held := o.queue.Holder(); held && holder == conversationID {
		_ = o.queue.Release(conversationID)
	}
	o.logger.WithConversationID(conversationID).Info("conversation ended")
}

// publishQueuedNote tells the user their work is waiting on the execute lock.
func (o *Orchestrator) publishQueuedNote(ctx context.Context, conversationID string, grant execqueue.Grant) {
	note := bus.NewEvent(bus.KindSystemNote, o.kernelKey,
		fmt.Sprintf("Another conversation is executing. Queued at position %d, estimated wait %s.",
			grant.Position+1, grant.ETA.Round(time.Second)),
		[][]string{{bus.TagConversation, conversationID}})
	if err := o.bus.Publish(ctx, o.subject, note); err != nil {
		o.logger.Warn("failed to publish queue note", zap.Error(err))
	}
}

// route asks the model for a routing decision, applying the retry policies:
// one retry on unparseable output, two on unknown agents, then the project
// manager as fallback. A model that cannot be reached at all is an error;
// the caller parks the conversation rather than spinning on retries.
func (o *Orchestrator) route(ctx context.Context, conv *conversation.Conversation) (*RoutingDecision, error) {
	log := o.logger.WithConversationID(conv.ID)
	prompt := o.routingPrompt(conv)

	messages := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	parseRetried := false
	unknownRetries := 0

	for {
		content, err := o.complete(ctx, messages)
		if err != nil {
			log.Error("routing model call failed", zap.Error(err))
			return nil, fmt.Errorf("routing model unavailable: %w", err)
		}

		decision, err := ParseDecision(content)
		if err != nil {
			if parseRetried {
				log.Warn("routing output unparseable after retry, falling back to PM")
				return o.pmFallback("routing output was not valid JSON"), nil
			}
			parseRetried = true
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: content},
				llm.Message{Role: llm.RoleUser, Content: "Your answer was not a valid JSON routing object. Reply with only the JSON object."},
			)
			continue
		}

		if unknown := o.unknownAgents(decision); len(unknown) > 0 {
			if unknownRetries >= 2 {
				log.Warn("routing kept naming unknown agents, falling back to PM",
					zap.Strings("unknown", unknown))
				return o.pmFallback("routing named agents that do not exist"), nil
			}
			unknownRetries++
			messages = append(messages,
				llm.Message{Role: llm.RoleAssistant, Content: content},
				llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
					"Unknown agents: %s. Valid agent ids: %s. Reply with corrected JSON.",
					strings.Join(unknown, ", "), strings.Join(o.agentIDs(), ", "))},
			)
			continue
		}
		return decision, nil
	}
}

// complete performs a non-streaming routing call: collect the whole stream.
func (o *Orchestrator) complete(ctx context.Context, messages []llm.Message) (string, error) {
	stream, err := o.client.Stream(ctx, llm.Request{
		Model:    o.model,
		System:   routingSystemPrompt,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for ev := range stream {
		switch e := ev.(type) {
		case llm.ContentDelta:
			b.WriteString(e.Text)
		case llm.StreamError:
			return "", e.Err
		}
	}
	return b.String(), nil
}

// routingPrompt renders the full routing context for one decision.
func (o *Orchestrator) routingPrompt(conv *conversation.Conversation) string {
	var b strings.Builder
	b.WriteString("Available agents:\n")
	for _, def := range o.agents.List() {
		fmt.Fprintf(&b, "- %s: %s", def.ID, def.Name)
		if def.Description != "" {
			fmt.Fprintf(&b, " — %s", def.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(narrative(conv, o.runtime.AgentNameByKey))

	b.WriteString("\nRecent messages:\n")
	history := conv.History
	if len(history) > 20 {
		history = history[len(history)-20:]
	}
	for _, ev := range history {
		if ev.Kind != bus.KindUserMessage && ev.Kind != bus.KindAgentMessage {
			continue
		}
		author := "user"
		if ev.Kind == bus.KindAgentMessage {
			author = o.runtime.AgentNameByKey(ev.AuthorKey)
		}
		fmt.Fprintf(&b, "[%s]: %s\n", author, stringutil.TruncateEllipsis(ev.Content, 500))
	}
	b.WriteString("\nWho should act next?")
	return b.String()
}

func (o *Orchestrator) unknownAgents(d *RoutingDecision) []string {
	var unknown []string
	for _, id := range d.Agents {
		if id == conversation.EndSentinel {
			continue
		}
		if !o.agents.Has(id) {
			unknown = append(unknown, id)
		}
	}
	return unknown
}

func (o *Orchestrator) agentIDs() []string {
	defs := o.agents.List()
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		ids = append(ids, def.ID)
	}
	return ids
}

// pmFallback routes to the project manager in the current phase. When no PM
// exists the decision degrades to waiting for the user.
func (o *Orchestrator) pmFallback(reason string) *RoutingDecision {
	pm, err := o.agents.PM()
	if err != nil {
		o.logger.Error("no project manager for fallback routing", zap.Error(err))
		return &RoutingDecision{Reason: reason}
	}
	return &RoutingDecision{Agents: []string{pm.ID}, Reason: reason}
}
