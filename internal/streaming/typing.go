package streaming

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/events/bus"
)

// Typing publishes typing indicator events around an agent's work. A started
// indicator stays visible for at least the configured minimum so fast
// responses do not flicker; Stop after a quick turn defers the stop event
// instead of dropping it.
type Typing struct {
	bus            bus.Bus
	subject        string
	conversationID string
	authorKey      string
	minVisible     time.Duration

	mu        sync.Mutex
	active    bool
	startedAt time.Time
	stopTimer *time.Timer

	logger *logger.Logger
}

// NewTyping creates a typing indicator for one agent in one conversation.
func NewTyping(b bus.Bus, subject, conversationID, authorKey string, minVisible time.Duration, log *logger.Logger) *Typing {
	return &Typing{
		bus:            b,
		subject:        subject,
		conversationID: conversationID,
		authorKey:      authorKey,
		minVisible:     minVisible,
		logger: log.WithFields(
			zap.String("component", "typing"),
			zap.String("conversation_id", conversationID),
		),
	}
}

// Start publishes a typing-start event. Starting while already active is a
// no-op; starting while a deferred stop is pending cancels the stop.
func (t *Typing) Start(ctx context.Context, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopTimer != nil {
		t.stopTimer.Stop()
		t.stopTimer = nil
	}
	if t.active {
		return
	}
	ev := bus.NewEvent(bus.KindTypingStart, t.authorKey, message, [][]string{
		{bus.TagConversation, t.conversationID},
	})
	if err := t.bus.Publish(ctx, t.subject, ev); err != nil {
		t.logger.Warn("typing start publish failed", zap.Error(err))
		return
	}
	t.active = true
	t.startedAt = time.Now()
}

// Label publishes a fresh typing-start event carrying the running tool's
// name so clients can show what the agent is doing. The indicator stays
// active; the visibility clock is not reset.
func (t *Typing) Label(ctx context.Context, message, tool string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev := bus.NewEvent(bus.KindTypingStart, t.authorKey, message, [][]string{
		{bus.TagConversation, t.conversationID},
		{bus.TagTool, tool},
	})
	if err := t.bus.Publish(ctx, t.subject, ev); err != nil {
		t.logger.Warn("typing label publish failed", zap.Error(err))
		return
	}
	if !t.active {
		t.active = true
		t.startedAt = time.Now()
	}
}

// Stop publishes a typing-stop event, deferring it until the indicator has
// been visible for the minimum duration.
func (t *Typing) Stop(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active || t.stopTimer != nil {
		return
	}
	remaining := t.minVisible - time.Since(t.startedAt)
	if remaining <= 0 {
		t.publishStopLocked(ctx)
		return
	}
	t.stopTimer = time.AfterFunc(remaining, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.stopTimer = nil
		if t.active {
			t.publishStopLocked(context.Background())
		}
	})
}

func (t *Typing) publishStopLocked(ctx context.Context) {
	ev := bus.NewEvent(bus.KindTypingStop, t.authorKey, "", [][]string{
		{bus.TagConversation, t.conversationID},
	})
	if err := t.bus.Publish(ctx, t.subject, ev); err != nil {
		t.logger.Warn("typing stop publish failed", zap.Error(err))
	}
	t.active = false
}

// Active reports whether the indicator is currently shown.
func (t *Typing) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}
