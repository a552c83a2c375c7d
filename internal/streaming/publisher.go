// Package streaming turns model output deltas into published events: partial
// chunks while an agent is speaking, a single final message when it is done,
// and typing indicators around the whole exchange.
package streaming

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tenex/tenex/internal/common/config"
	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/events/bus"
)

// Publisher batches streamed text into chunk events. Chunks flush on a
// sentence boundary or when the flush window elapses; when publishing slows
// down the window widens up to the configured cap and narrows back on
// success. One Publisher serves one agent response and is finalized exactly
// once.
type Publisher struct {
	bus            bus.Bus
	subject        string
	conversationID string
	authorKey      string

	baseDelay time.Duration
	maxDelay  time.Duration

	mu        sync.Mutex
	buf       strings.Builder
	full      strings.Builder
	seq       int
	delay     time.Duration
	timer     *time.Timer
	finalized bool
	finalEv   *bus.Event

	logger *logger.Logger
}

// NewPublisher creates a publisher for one agent response.
func NewPublisher(b bus.Bus, subject, conversationID, authorKey string, cfg config.StreamConfig, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:            b,
		subject:        subject,
		conversationID: conversationID,
		authorKey:      authorKey,
		baseDelay:      cfg.FlushDelay(),
		maxDelay:       cfg.MaxFlushDelay(),
		delay:          cfg.FlushDelay(),
		logger: log.WithFields(
			zap.String("component", "stream-publisher"),
			zap.String("conversation_id", conversationID),
		),
	}
}

// sentenceBoundary reports whether the buffered text ends a sentence.
func sentenceBoundary(s string) bool {
	return strings.Contains(s, ". ") || strings.Contains(s, "! ") ||
		strings.Contains(s, "? ") || strings.Contains(s, "\n")
}

// Write appends streamed text. A sentence boundary flushes immediately;
// otherwise the flush timer is armed.
func (p *Publisher) Write(ctx context.Context, text string) {
	if text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return
	}
	p.buf.WriteString(text)
	p.full.WriteString(text)

	if sentenceBoundary(p.buf.String()) {
		p.flushLocked(ctx)
		return
	}
	if p.timer == nil {
		p.timer = time.AfterFunc(p.delay, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.timer = nil
			if !p.finalized {
				p.flushLocked(context.Background())
			}
		})
	}
}

// flushLocked publishes the buffered text as one chunk event. On publish
// failure the buffer is kept and the flush window widens; the text still
// reaches subscribers through the final message.
func (p *Publisher) flushLocked(ctx context.Context) {
	if p.buf.Len() == 0 {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	chunk := bus.NewEvent(bus.KindStreamChunk, p.authorKey, p.buf.String(), [][]string{
		{bus.TagConversation, p.conversationID},
		{bus.TagSequence, strconv.Itoa(p.seq)},
	})
	if err := p.bus.Publish(ctx, p.subject, chunk); err != nil {
		if p.delay < p.maxDelay {
			p.delay *= 2
			if p.delay > p.maxDelay {
				p.delay = p.maxDelay
			}
		}
		p.logger.Warn("chunk publish failed, widening flush window",
			zap.Duration("flush_delay", p.delay), zap.Error(err))
		return
	}
	p.seq++
	p.buf.Reset()
	p.delay = p.baseDelay
}

// Flush pushes any buffered text out as a chunk immediately, without
// waiting for a sentence boundary. Used before a tool runs so everything
// said so far is visible while the tool works.
func (p *Publisher) Flush(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return
	}
	p.flushLocked(ctx)
}

// Finalize flushes, publishes the complete message as one event with the
// given tags, and returns it. Calling Finalize again returns the same event.
func (p *Publisher) Finalize(ctx context.Context, tags [][]string) (*bus.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return p.finalEv, nil
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.finalized = true

	all := append([][]string{{bus.TagConversation, p.conversationID}}, tags...)
	final := bus.NewEvent(bus.KindAgentMessage, p.authorKey, p.full.String(), all)
	if err := p.bus.Publish(ctx, p.subject, final); err != nil {
		return nil, err
	}
	p.finalEv = final
	p.logger.Debug("stream finalized",
		zap.Int("chunks", p.seq), zap.Int("length", p.full.Len()))
	return final, nil
}

// Discard drops any buffered output without publishing. Used when a
// response must stay invisible, such as the orchestrator's own reasoning.
func (p *Publisher) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.finalized = true
}

// Content returns the accumulated response text.
func (p *Publisher) Content() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.full.String()
}
