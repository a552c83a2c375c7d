package kernel

import (
	"context"

	"go.uber.org/zap"

	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/conversation"
	"github.com/tenex/tenex/internal/conversation/store"
	"github.com/tenex/tenex/internal/events/bus"
	"github.com/tenex/tenex/internal/execqueue"
)

// Recovery reconciles durable state after a restart: reload conversations,
// restore the execute lock and queue, settle turns that were interrupted
// mid-flight, and wake the conversations that still have work.
type Recovery struct {
	store     *store.Store
	queue     *execqueue.Queue
	sched     *Scheduler
	bus       bus.Bus
	subject   string
	kernelKey string
	logger    *logger.Logger
}

// NewRecovery creates the restart coordinator.
func NewRecovery(st *store.Store, q *execqueue.Queue, sched *Scheduler, b bus.Bus, subject, kernelKey string, log *logger.Logger) *Recovery {
	return &Recovery{
		store:     st,
		queue:     q,
		sched:     sched,
		bus:       b,
		subject:   subject,
		kernelKey: kernelKey,
		logger:    log.WithFields(zap.String("component", "recovery")),
	}
}

// Run performs the full recovery pass. Call before ingress starts.
func (r *Recovery) Run(ctx context.Context) error {
	loaded, err := r.store.LoadAll()
	if err != nil {
		return err
	}
	if err := r.queue.Load(r.store.Has); err != nil {
		return err
	}

	interrupted := 0
	for _, id := range r.store.IDs() {
		if r.settleInterrupted(ctx, id) {
			interrupted++
			r.sched.Trigger(id)
		}
	}

	r.logger.Info("recovery complete",
		zap.Int("conversations", loaded),
		zap.Int("interrupted", interrupted))
	return nil
}

// settleInterrupted closes any turn the crash left open by failing its
// unsettled agents, and reports whether the conversation needs re-routing.
func (r *Recovery) settleInterrupted(ctx context.Context, conversationID string) bool {
	conv, err := r.store.Get(conversationID)
	if err != nil {
		return false
	}
	turn, open := conv.CurrentTurn()
	if !open {
		return false
	}

	err = r.store.With(conversationID, func(c *conversation.Conversation) error {
		t, ok := c.Turn(turn.TurnID)
		if !ok || t.Completed {
			return nil
		}
		for _, agentID := range t.TargetAgents {
			settled := false
			for _, comp := range t.Completions {
				if comp.AgentID == agentID {
					settled = true
					break
				}
			}
			for _, f := range t.FailedAgents {
				if f == agentID {
					settled = true
					break
				}
			}
			if !settled {
				if err := c.MarkAgentFailed(t.TurnID, agentID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("failed to settle interrupted turn",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return false
	}

	note := bus.NewEvent(bus.KindSystemNote, r.kernelKey,
		"The kernel restarted while agents were working; the interrupted turn was closed and routing will resume.",
		[][]string{{bus.TagConversation, conversationID}})
	if err := r.bus.Publish(ctx, r.subject, note); err != nil {
		r.logger.Warn("failed to publish recovery note", zap.Error(err))
	}
	r.logger.Info("settled interrupted turn",
		zap.String("conversation_id", conversationID),
		zap.String("turn_id", turn.TurnID))
	return true
}
