package kernel

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/tenex/tenex/internal/agent"
	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/conversation/store"
	"github.com/tenex/tenex/internal/events/bus"
	"github.com/tenex/tenex/internal/kernel/runtime"
)

// Ingress filters the project's event stream down to the events that belong
// in conversation histories and triggers routing for each. Transient kinds,
// agent-authored events (already persisted by the runtime), and authors
// outside the whitelist are dropped.
type Ingress struct {
	bus       bus.Bus
	subject   string
	store     *store.Store
	sched     *Scheduler
	agents    *agent.Registry
	whitelist map[string]bool
	kernelKey string

	sub    bus.Subscription
	logger *logger.Logger
}

// NewIngress creates the event ingress. An empty whitelist accepts every
// non-agent author.
func NewIngress(b bus.Bus, subject string, st *store.Store, sched *Scheduler, agents *agent.Registry, whitelist []string, kernelKey string, log *logger.Logger) *Ingress {
	wl := make(map[string]bool, len(whitelist))
	for _, key := range whitelist {
		wl[key] = true
	}
	return &Ingress{
		bus:       b,
		subject:   subject,
		store:     st,
		sched:     sched,
		agents:    agents,
		whitelist: wl,
		kernelKey: kernelKey,
		logger:    log.WithFields(zap.String("component", "ingress")),
	}
}

// Start subscribes to the project's event subject.
func (i *Ingress) Start() error {
	sub, err := i.bus.Subscribe(i.subject, bus.Filter{}, i.handle)
	if err != nil {
		return err
	}
	i.sub = sub
	i.logger.Info("ingress started", zap.String("subject", i.subject))
	return nil
}

// Stop unsubscribes from the event stream.
func (i *Ingress) Stop() {
	if i.sub != nil {
		if err := i.sub.Unsubscribe(); err != nil {
			i.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
}

// isAgentAuthored reports whether the event came from this kernel or one of
// its agents.
func (i *Ingress) isAgentAuthored(ev *bus.Event) bool {
	if ev.AuthorKey == i.kernelKey {
		return true
	}
	if _, ok := i.agents.ByKey(ev.AuthorKey); ok {
		return true
	}
	for _, def := range i.agents.List() {
		if runtime.AgentKey(def) == ev.AuthorKey {
			return true
		}
	}
	return false
}

// resolveConversation maps an event to its conversation id through the
// conversation tags, falling back to the event id for a fresh conversation.
func resolveConversation(ev *bus.Event) string {
	for _, label := range []string{bus.TagConversation, bus.TagConversationRoot, bus.TagConversationD} {
		if id, ok := ev.Tag(label); ok && id != "" {
			return id
		}
	}
	return ev.ID
}

func (i *Ingress) handle(ctx context.Context, ev *bus.Event) error {
	if bus.IgnoredKinds[ev.Kind] {
		return nil
	}
	if i.isAgentAuthored(ev) {
		return nil
	}
	if ev.Kind != bus.KindUserMessage {
		i.logger.Debug("ignoring event of unhandled kind",
			zap.Int("kind", ev.Kind), zap.String("event_id", ev.ID))
		return nil
	}
	if len(i.whitelist) > 0 && !i.whitelist[ev.AuthorKey] {
		i.logger.Warn("dropping event from author outside whitelist",
			zap.String("author_key", ev.AuthorKey))
		return nil
	}

	conversationID := resolveConversation(ev)
	log := i.logger.WithConversationID(conversationID)

	if i.store.Has(conversationID) {
		if _, err := i.store.AppendEvent(conversationID, ev); err != nil {
			log.Error("failed to append event", zap.Error(err))
			return err
		}
	} else {
		if _, err := i.store.Create(conversationID, ev); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				_, err = i.store.AppendEvent(conversationID, ev)
			}
			if err != nil {
				log.Error("failed to create conversation", zap.Error(err))
				return err
			}
		}
		log.Info("conversation opened", zap.String("event_id", ev.ID))
	}

	i.sched.Trigger(conversationID)
	return nil
}
