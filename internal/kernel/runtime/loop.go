package runtime

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/tenex/tenex/internal/agent"
	"github.com/tenex/tenex/internal/common/config"
	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/common/stringutil"
	"github.com/tenex/tenex/internal/common/tracing"
	"github.com/tenex/tenex/internal/conversation"
	"github.com/tenex/tenex/internal/conversation/store"
	"github.com/tenex/tenex/internal/events/bus"
	"github.com/tenex/tenex/internal/llm"
	"github.com/tenex/tenex/internal/streaming"
	"github.com/tenex/tenex/internal/tools"
)

const terminationReminder = "Reminder: your turn is still open. Finish by calling the complete tool " +
	"with a summary of what you did, or end_conversation if no further work should happen."

// Outcome is what one agent invocation produced.
type Outcome struct {
	Summary         string
	Content         string
	EndConversation bool
	AutoCompleted   bool
	Event           *bus.Event
}

// Runtime executes agent invocations against the model and the tool
// registry. One Runtime serves the whole kernel; each Run call is one agent
// turn.
type Runtime struct {
	bus       bus.Bus
	subject   string
	store     *store.Store
	agents    *agent.Registry
	tools     *tools.Registry
	client    llm.Client
	kernelKey string

	streamCfg    config.StreamConfig
	typingCfg    config.TypingConfig
	maxTermRetry int

	logger *logger.Logger
}

// Config bundles the runtime's dependencies.
type Config struct {
	Bus       bus.Bus
	Subject   string
	Store     *store.Store
	Agents    *agent.Registry
	Tools     *tools.Registry
	Client    llm.Client
	KernelKey string
	Stream    config.StreamConfig
	Typing    config.TypingConfig
	// TerminationAttempts is how many reminder retries an agent gets before
	// its turn is auto-completed.
	TerminationAttempts int
}

// New creates the agent runtime.
func New(cfg Config, log *logger.Logger) *Runtime {
	return &Runtime{
		bus:          cfg.Bus,
		subject:      cfg.Subject,
		store:        cfg.Store,
		agents:       cfg.Agents,
		tools:        cfg.Tools,
		client:       cfg.Client,
		kernelKey:    cfg.KernelKey,
		streamCfg:    cfg.Stream,
		typingCfg:    cfg.Typing,
		maxTermRetry: cfg.TerminationAttempts,
		logger:       log.WithFields(zap.String("component", "agent-runtime")),
	}
}

// AgentKey returns the signing key an agent's events carry.
func AgentKey(def *agent.Definition) string {
	if def.PublicKey != "" {
		return def.PublicKey
	}
	return "agent:" + def.ID
}

// AgentNameByKey resolves an author key back to a display name.
func (r *Runtime) AgentNameByKey(authorKey string) string {
	if def, ok := r.agents.ByKey(authorKey); ok {
		return def.Name
	}
	for _, def := range r.agents.List() {
		if AgentKey(def) == authorKey {
			return def.Name
		}
	}
	if authorKey == r.kernelKey {
		return "kernel"
	}
	return authorKey
}

// Run executes one agent turn: render the view, stream the model, execute
// tools, and persist the final message and cursor. The returned outcome
// carries the completion summary the orchestrator consumes.
func (r *Runtime) Run(ctx context.Context, conversationID string, def *agent.Definition, phase conversation.Phase) (*Outcome, error) {
	scope := tracing.From(ctx).WithAgent(def.ID).WithPhase(string(phase))
	ctx = tracing.Into(ctx, scope)
	ctx, span := tracing.StartSpan(ctx, "agent.run")
	defer span.End()

	log := r.logger.WithConversationID(conversationID).WithAgentID(def.ID).WithPhase(string(phase))

	conv, err := r.store.Get(conversationID)
	if err != nil {
		return nil, err
	}
	selfKey := AgentKey(def)
	cursor := conv.Cursor(def.ID)
	sessionToken := cursor.SessionToken
	// A session token on the triggering event overrides the cursor's.
	if n := len(conv.History); n > 0 {
		if tok, ok := conv.History[n-1].Tag(bus.TagSessionToken); ok && tok != "" {
			sessionToken = tok
		}
	}
	view := buildView(conv, selfKey, cursor.LastSeenIndex, r.AgentNameByKey)
	system := systemPrompt(def.Instructions, phase)
	toolDefs := r.tools.DefsFor(def)
	executor := tools.NewExecutor(r.tools, def, r.logger)

	publisher := streaming.NewPublisher(r.bus, r.subject, conversationID, selfKey, r.streamCfg, r.logger)
	typing := streaming.NewTyping(r.bus, r.subject, conversationID, selfKey, r.typingCfg.MinVisible(), r.logger)
	typing.Start(ctx, def.Name+" is working")
	defer typing.Stop(ctx)

	messages := view
	outcome := &Outcome{}
	var usage *llm.Usage
	termRetries := 0
	segment := ""

	for {
		stream, err := r.client.Stream(ctx, llm.Request{
			Model:        def.Model,
			System:       system,
			Messages:     messages,
			Tools:        toolDefs,
			SessionToken: sessionToken,
		})
		if err != nil {
			publisher.Discard()
			return nil, fmt.Errorf("model stream failed: %w", err)
		}

		var toolResults []*tools.Result
		var streamErr error
		done := false
		for ev := range stream {
			switch e := ev.(type) {
			case llm.ContentDelta:
				segment += e.Text
				publisher.Write(ctx, e.Text)
			case llm.ReasoningDelta:
				// Reasoning stays internal; never published.
			case llm.ToolCallStart:
				// Surface buffered text and relabel the indicator before the
				// tool runs, so clients see what is happening during long calls.
				publisher.Flush(ctx)
				typing.Label(ctx, def.Name+" is running "+e.Name, e.Name)
				res := executor.Execute(ctx, tools.Call{ID: e.CallID, Name: e.Name, Arguments: e.Arguments})
				toolResults = append(toolResults, res)
				if res.Control != "" {
					outcome.Summary = res.Metadata["summary"]
					outcome.EndConversation = res.Control == tools.ControlEndConversation
					done = true
				}
			case llm.ToolCallComplete:
				// Provider-executed tool; record it for the transcript only.
				toolResults = append(toolResults, &tools.Result{
					CallID: e.CallID, Name: e.Name, OK: true, Output: e.Result,
				})
			case llm.Usage:
				u := e
				usage = &u
			case llm.Done:
				if e.SessionToken != "" {
					sessionToken = e.SessionToken
				}
			case llm.StreamError:
				streamErr = e.Err
			}
		}
		if streamErr != nil {
			// Whatever the model said before the failure must not be lost:
			// publish the partial as the final message, or close out empty.
			if publisher.Content() != "" {
				if _, ferr := publisher.Finalize(ctx, [][]string{{bus.TagPhase, string(phase)}}); ferr != nil {
					log.Warn("failed to publish partial message after stream error", zap.Error(ferr))
				}
			} else {
				publisher.Discard()
			}
			return nil, fmt.Errorf("model stream failed: %w", streamErr)
		}
		if done {
			break
		}

		if len(toolResults) > 0 {
			// Feed tool results back and continue the same turn.
			if segment != "" {
				messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: segment})
				segment = ""
			}
			for _, res := range toolResults {
				messages = append(messages, llm.Message{
					Role:       llm.RoleTool,
					Content:    res.Render(),
					ToolCallID: res.CallID,
				})
			}
			continue
		}

		// Stream ended with no termination signal.
		if !phase.RequiresTermination() {
			outcome.Summary = summarize(publisher.Content())
			break
		}
		if termRetries < r.maxTermRetry {
			termRetries++
			log.Warn("agent ended turn without termination, reminding",
				zap.Int("attempt", termRetries))
			if segment != "" {
				messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: segment})
				segment = ""
			}
			messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: terminationReminder})
			continue
		}

		// Out of retries: synthesize the completion and tell the user.
		outcome.Summary = summarize(publisher.Content())
		outcome.AutoCompleted = true
		log.Warn("agent never signalled completion, auto-completing turn")
		note := bus.NewEvent(bus.KindSystemNote, r.kernelKey,
			fmt.Sprintf("%s ended its turn without an explicit completion; the turn was closed automatically.", def.Name),
			[][]string{{bus.TagConversation, conversationID}})
		if err := r.bus.Publish(ctx, r.subject, note); err != nil {
			log.Warn("failed to publish auto-complete notice", zap.Error(err))
		}
		break
	}

	tags := [][]string{{bus.TagPhase, string(phase)}}
	if def.Model != "" {
		tags = append(tags, []string{bus.TagModel, def.Model})
	}
	if usage != nil {
		tags = append(tags,
			[]string{bus.TagPromptTokens, strconv.Itoa(usage.PromptTokens)},
			[]string{bus.TagCompletionTokens, strconv.Itoa(usage.CompletionTokens)},
		)
	}
	final, err := publisher.Finalize(ctx, tags)
	if err != nil {
		return nil, fmt.Errorf("failed to publish final message: %w", err)
	}
	outcome.Content = final.Content
	outcome.Event = final
	if outcome.Summary == "" {
		outcome.Summary = summarize(final.Content)
	}

	err = r.store.With(conversationID, func(c *conversation.Conversation) error {
		if final.Content != "" {
			c.Append(final)
		}
		return c.SetCursor(def.ID, conversation.AgentCursor{
			LastSeenIndex: len(c.History),
			SessionToken:  sessionToken,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist agent turn: %w", err)
	}

	log.Info("agent turn finished",
		zap.Bool("auto_completed", outcome.AutoCompleted),
		zap.Bool("end_conversation", outcome.EndConversation))
	return outcome, nil
}

// summarize derives a completion summary from response content when the
// agent did not provide one.
func summarize(content string) string {
	if content == "" {
		return "Turn ended without output."
	}
	return stringutil.TruncateEllipsis(content, 200)
}
