package streaming

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex/tenex/internal/common/config"
	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/events/bus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

type capture struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (c *capture) subscribe(t *testing.T, b bus.Bus, subject string) {
	t.Helper()
	_, err := b.Subscribe(subject, bus.Filter{}, func(ctx context.Context, ev *bus.Event) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, ev)
		return nil
	})
	require.NoError(t, err)
}

func (c *capture) ofKind(kind int) []*bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*bus.Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func streamCfg() config.StreamConfig {
	return config.StreamConfig{FlushDelayMs: 20, MaxFlushDelayMs: 200}
}

func TestPublisherSentenceBoundaryFlush(t *testing.T) {
	log := testLogger(t)
	b := bus.NewMemoryBus(log)
	defer b.Close()

	var got capture
	got.subscribe(t, b, "events")

	p := NewPublisher(b, "events", "conv-1", "agent-key", streamCfg(), log)
	p.Write(context.Background(), "First sentence. ")
	p.Write(context.Background(), "Second half")

	chunks := got.ofKind(bus.KindStreamChunk)
	require.Len(t, chunks, 1)
	assert.Equal(t, "First sentence. ", chunks[0].Content)
	seq, _ := chunks[0].Tag(bus.TagSequence)
	assert.Equal(t, "0", seq)
}

func TestPublisherTimerFlush(t *testing.T) {
	log := testLogger(t)
	b := bus.NewMemoryBus(log)
	defer b.Close()

	var got capture
	got.subscribe(t, b, "events")

	p := NewPublisher(b, "events", "conv-1", "agent-key", streamCfg(), log)
	p.Write(context.Background(), "no boundary here")

	require.Eventually(t, func() bool {
		return len(got.ofKind(bus.KindStreamChunk)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "no boundary here", got.ofKind(bus.KindStreamChunk)[0].Content)
}

func TestPublisherFinalizeIdempotent(t *testing.T) {
	log := testLogger(t)
	b := bus.NewMemoryBus(log)
	defer b.Close()

	var got capture
	got.subscribe(t, b, "events")

	p := NewPublisher(b, "events", "conv-1", "agent-key", streamCfg(), log)
	p.Write(context.Background(), "Hello. ")
	p.Write(context.Background(), "World.")

	first, err := p.Finalize(context.Background(), [][]string{{bus.TagPhase, "chat"}})
	require.NoError(t, err)
	assert.Equal(t, "Hello. World.", first.Content)
	assert.Equal(t, bus.KindAgentMessage, first.Kind)

	second, err := p.Finalize(context.Background(), nil)
	require.NoError(t, err)
	assert.Same(t, first, second)

	finals := got.ofKind(bus.KindAgentMessage)
	assert.Len(t, finals, 1)
	phase, _ := finals[0].Tag(bus.TagPhase)
	assert.Equal(t, "chat", phase)
}

func TestPublisherSequenceOrdering(t *testing.T) {
	log := testLogger(t)
	b := bus.NewMemoryBus(log)
	defer b.Close()

	var got capture
	got.subscribe(t, b, "events")

	p := NewPublisher(b, "events", "conv-1", "agent-key", streamCfg(), log)
	for i := 0; i < 3; i++ {
		p.Write(context.Background(), "Sentence number "+strconv.Itoa(i)+". ")
	}

	chunks := got.ofKind(bus.KindStreamChunk)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		seq, ok := c.Tag(bus.TagSequence)
		require.True(t, ok)
		assert.Equal(t, strconv.Itoa(i), seq)
	}
}

func TestPublisherExplicitFlush(t *testing.T) {
	log := testLogger(t)
	b := bus.NewMemoryBus(log)
	defer b.Close()

	var got capture
	got.subscribe(t, b, "events")

	p := NewPublisher(b, "events", "conv-1", "agent-key", streamCfg(), log)
	p.Write(context.Background(), "no boundary yet")
	p.Flush(context.Background())

	chunks := got.ofKind(bus.KindStreamChunk)
	require.Len(t, chunks, 1)
	assert.Equal(t, "no boundary yet", chunks[0].Content)

	// Flushing with nothing buffered publishes nothing.
	p.Flush(context.Background())
	assert.Len(t, got.ofKind(bus.KindStreamChunk), 1)
}

func TestPublisherDiscard(t *testing.T) {
	log := testLogger(t)
	b := bus.NewMemoryBus(log)
	defer b.Close()

	var got capture
	got.subscribe(t, b, "events")

	p := NewPublisher(b, "events", "conv-1", "orchestrator-key", streamCfg(), log)
	p.Write(context.Background(), "internal routing thoughts")
	p.Discard()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got.ofKind(bus.KindAgentMessage))
	assert.Equal(t, "internal routing thoughts", p.Content())
}

func TestTypingMinimumVisibility(t *testing.T) {
	log := testLogger(t)
	b := bus.NewMemoryBus(log)
	defer b.Close()

	var got capture
	got.subscribe(t, b, "events")

	ty := NewTyping(b, "events", "conv-1", "agent-key", 50*time.Millisecond, log)
	ty.Start(context.Background(), "Executor is working")
	require.True(t, ty.Active())
	require.Len(t, got.ofKind(bus.KindTypingStart), 1)

	// Stop arrives before the minimum visibility window; it must be deferred.
	ty.Stop(context.Background())
	assert.Empty(t, got.ofKind(bus.KindTypingStop))

	require.Eventually(t, func() bool {
		return len(got.ofKind(bus.KindTypingStop)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, ty.Active())
}

func TestTypingRestartCancelsPendingStop(t *testing.T) {
	log := testLogger(t)
	b := bus.NewMemoryBus(log)
	defer b.Close()

	var got capture
	got.subscribe(t, b, "events")

	ty := NewTyping(b, "events", "conv-1", "agent-key", 40*time.Millisecond, log)
	ty.Start(context.Background(), "working")
	ty.Stop(context.Background())
	ty.Start(context.Background(), "working again")

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, got.ofKind(bus.KindTypingStop))
	assert.True(t, ty.Active())
	// Only the first start published; the second was a debounced no-op.
	assert.Len(t, got.ofKind(bus.KindTypingStart), 1)
}

func TestTypingLabelCarriesToolTag(t *testing.T) {
	log := testLogger(t)
	b := bus.NewMemoryBus(log)
	defer b.Close()

	var got capture
	got.subscribe(t, b, "events")

	ty := NewTyping(b, "events", "conv-1", "agent-key", 0, log)
	ty.Start(context.Background(), "Executor is working")
	ty.Label(context.Background(), "Executor is running shell", "shell")

	starts := got.ofKind(bus.KindTypingStart)
	require.Len(t, starts, 2)
	tool, ok := starts[1].Tag(bus.TagTool)
	require.True(t, ok)
	assert.Equal(t, "shell", tool)
	assert.Equal(t, "Executor is running shell", starts[1].Content)
	assert.True(t, ty.Active())
}
