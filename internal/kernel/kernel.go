// Package kernel wires the TENEX conversation kernel together: event
// ingress, the per-conversation scheduler, the orchestrator routing loop,
// the agent runtime, and the execute queue, all over one event bus.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tenex/tenex/internal/agent"
	"github.com/tenex/tenex/internal/common/config"
	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/conversation/store"
	"github.com/tenex/tenex/internal/events/bus"
	"github.com/tenex/tenex/internal/execqueue"
	"github.com/tenex/tenex/internal/kernel/runtime"
	"github.com/tenex/tenex/internal/llm"
	"github.com/tenex/tenex/internal/streaming"
	"github.com/tenex/tenex/internal/tools"
)

// Kernel is one project's conversation kernel.
type Kernel struct {
	cfg *config.Config
	bus bus.Bus

	Store        *store.Store
	Agents       *agent.Registry
	Tools        *tools.Registry
	Queue        *execqueue.Queue
	Hub          *streaming.Hub
	runtime      *runtime.Runtime
	orchestrator *Orchestrator
	sched        *Scheduler
	ingress      *Ingress
	recovery     *Recovery

	kernelKey string
	subject   string

	monitorSub bus.Subscription
	adminSub   bus.Subscription
	hubCancel  context.CancelFunc
	logger     *logger.Logger
}

// New assembles a kernel. The bus and model client are injected so the same
// wiring serves production (NATS, HTTP) and tests (memory bus, scripted
// client).
func New(cfg *config.Config, b bus.Bus, client llm.Client, log *logger.Logger) (*Kernel, error) {
	kernelKey := "kernel:" + cfg.Project.ID
	subject := bus.EventsSubject(cfg.Project.ID)

	st := store.New(cfg.Storage.Dir, log)

	agents := agent.NewRegistry(log)
	if cfg.Agents.Path != "" {
		if err := agents.LoadFromFile(cfg.Agents.Path); err != nil {
			log.Warn("agent definitions unavailable, using defaults",
				zap.String("path", cfg.Agents.Path), zap.Error(err))
			agents.LoadDefaults()
		}
	} else {
		agents.LoadDefaults()
	}

	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg); err != nil {
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}

	queue := execqueue.New(cfg.Storage.Dir, cfg.Project.ID, cfg.Lock.MaxDuration(), cfg.Queue.AvgExecHint(), log)

	rt := runtime.New(runtime.Config{
		Bus:                 b,
		Subject:             subject,
		Store:               st,
		Agents:              agents,
		Tools:               toolReg,
		Client:              client,
		KernelKey:           kernelKey,
		Stream:              cfg.Stream,
		Typing:              cfg.Typing,
		TerminationAttempts: cfg.Termination.MaxAttempts,
	}, log)

	orch := NewOrchestrator(OrchestratorConfig{
		Store:     st,
		Agents:    agents,
		Client:    client,
		Runtime:   rt,
		Queue:     queue,
		Bus:       b,
		Subject:   subject,
		KernelKey: kernelKey,
		Model:     cfg.LLM.Model,
	}, log)

	sched := NewScheduler(orch.HandleTrigger, log)
	ingress := NewIngress(b, subject, st, sched, agents, cfg.Project.Whitelist, kernelKey, log)
	recovery := NewRecovery(st, queue, sched, b, subject, kernelKey, log)

	k := &Kernel{
		cfg:          cfg,
		bus:          b,
		Store:        st,
		Agents:       agents,
		Tools:        toolReg,
		Queue:        queue,
		Hub:          streaming.NewHub(log),
		runtime:      rt,
		orchestrator: orch,
		sched:        sched,
		ingress:      ingress,
		recovery:     recovery,
		kernelKey:    kernelKey,
		subject:      subject,
		logger:       log.WithFields(zap.String("component", "kernel")),
	}

	queue.OnGrant = k.onLockGranted
	queue.OnTimeout = k.onLockTimeout
	return k, nil
}

// Start recovers durable state and brings the kernel online.
func (k *Kernel) Start(ctx context.Context) error {
	if err := k.recovery.Run(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	k.hubCancel = cancel
	go k.Hub.Run(hubCtx)

	// Mirror the full event stream, transient kinds included, to monitors.
	monitorSub, err := k.bus.Subscribe(k.subject, bus.Filter{}, func(ctx context.Context, ev *bus.Event) error {
		if id, ok := ev.ConversationID(); ok {
			k.Hub.Broadcast(id, ev)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe monitor mirror: %w", err)
	}
	k.monitorSub = monitorSub

	adminSub, err := k.bus.Subscribe(bus.AdminQueueSubject(k.cfg.Project.ID), bus.Filter{}, k.handleAdmin)
	if err != nil {
		return fmt.Errorf("failed to subscribe admin channel: %w", err)
	}
	k.adminSub = adminSub

	if err := k.ingress.Start(); err != nil {
		return fmt.Errorf("failed to start ingress: %w", err)
	}
	k.Queue.Start()

	k.logger.Info("kernel started",
		zap.String("project_id", k.cfg.Project.ID),
		zap.String("subject", k.subject))
	return nil
}

// Stop shuts the kernel down in dependency order: stop accepting events,
// drain in-flight conversation work, then stop the queue and hub.
func (k *Kernel) Stop() {
	k.ingress.Stop()
	if k.adminSub != nil {
		_ = k.adminSub.Unsubscribe()
	}
	if k.monitorSub != nil {
		_ = k.monitorSub.Unsubscribe()
	}
	k.sched.Stop()
	k.Queue.Stop()
	if k.hubCancel != nil {
		k.hubCancel()
	}
	k.logger.Info("kernel stopped")
}

// Trigger wakes a conversation's routing loop. Exposed for the admin surface.
func (k *Kernel) Trigger(conversationID string) {
	k.sched.Trigger(conversationID)
}

// ForceRelease administratively clears the execute lock and tells the
// released conversation why. Returns the released conversation id.
func (k *Kernel) ForceRelease(conversationID, reason string) string {
	released := k.Queue.ForceRelease(conversationID, reason)
	if released != "" {
		note := bus.NewEvent(bus.KindSystemNote, k.kernelKey,
			fmt.Sprintf("Your execute lock was force released (reason: %s).", reason),
			[][]string{{bus.TagConversation, released}})
		if err := k.bus.Publish(context.Background(), k.subject, note); err != nil {
			k.logger.Warn("failed to publish force-release note", zap.Error(err))
		}
	}
	return released
}

// Archive cancels a conversation's in-flight work, frees its execute lock or
// queue entry, and archives the record.
func (k *Kernel) Archive(conversationID string) error {
	k.sched.Cancel(conversationID)

	if holder, held := k.Queue.Holder(); held && holder == conversationID {
		if err := k.Queue.Release(conversationID); err != nil {
			k.logger.Warn("failed to release execute lock on archive", zap.Error(err))
		}
	} else if err := k.Queue.Remove(conversationID); err != nil && !errors.Is(err, execqueue.ErrNotQueued) {
		k.logger.Warn("failed to remove archived conversation from queue", zap.Error(err))
	}

	return k.Store.Archive(conversationID)
}

// onLockGranted resumes a conversation that was waiting on the execute lock.
func (k *Kernel) onLockGranted(conversationID string) {
	note := bus.NewEvent(bus.KindSystemNote, k.kernelKey,
		"The execute lock is now yours; resuming work.",
		[][]string{{bus.TagConversation, conversationID}})
	if err := k.bus.Publish(context.Background(), k.subject, note); err != nil {
		k.logger.Warn("failed to publish grant note", zap.Error(err))
	}
	k.sched.Trigger(conversationID)
}

// onLockTimeout notifies a conversation its execute lock was revoked.
func (k *Kernel) onLockTimeout(conversationID string) {
	note := bus.NewEvent(bus.KindSystemNote, k.kernelKey,
		"Your execute lock exceeded its maximum duration and was released.",
		[][]string{{bus.TagConversation, conversationID}})
	if err := k.bus.Publish(context.Background(), k.subject, note); err != nil {
		k.logger.Warn("failed to publish timeout note", zap.Error(err))
	}
}

// adminRequest is the payload of a request event on the admin subject.
type adminRequest struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// handleAdmin answers request/reply traffic on the admin subject. Replies go
// back through the reply tag so the same responder serves NATS and the
// in-memory bus.
func (k *Kernel) handleAdmin(ctx context.Context, ev *bus.Event) error {
	replySubject, ok := bus.ReplyTo(ev)
	if !ok {
		return nil
	}

	var req adminRequest
	if err := json.Unmarshal([]byte(ev.Content), &req); err != nil {
		return k.reply(ctx, replySubject, map[string]any{"error": "malformed admin request"})
	}

	switch req.Action {
	case "queue_status":
		return k.reply(ctx, replySubject, k.Queue.Status())
	case "force_release":
		reason := req.Reason
		if reason == "" {
			reason = "operator"
		}
		released := k.ForceRelease(req.ConversationID, reason)
		return k.reply(ctx, replySubject, map[string]any{"released": released, "reason": reason})
	case "remove":
		if err := k.Queue.Remove(req.ConversationID); err != nil {
			return k.reply(ctx, replySubject, map[string]any{"error": err.Error()})
		}
		return k.reply(ctx, replySubject, map[string]any{"removed": req.ConversationID})
	case "conversations":
		return k.reply(ctx, replySubject, k.Store.List())
	case "health":
		return k.reply(ctx, replySubject, map[string]any{
			"status":     "ok",
			"project_id": k.cfg.Project.ID,
			"time":       time.Now().Unix(),
		})
	default:
		return k.reply(ctx, replySubject, map[string]any{"error": "unknown action " + req.Action})
	}
}

func (k *Kernel) reply(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev := bus.NewEvent(bus.KindStatus, k.kernelKey, string(data), nil)
	return k.bus.Publish(ctx, subject, ev)
}
