package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex/tenex/internal/agent"
	"github.com/tenex/tenex/internal/common/config"
	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/conversation"
	"github.com/tenex/tenex/internal/conversation/store"
	"github.com/tenex/tenex/internal/events/bus"
	"github.com/tenex/tenex/internal/llm"
	"github.com/tenex/tenex/internal/tools"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

type fixture struct {
	runtime *Runtime
	store   *store.Store
	bus     *bus.MemoryBus
	client  *llm.ScriptedClient
	def     *agent.Definition
}

func newFixture(t *testing.T, client *llm.ScriptedClient) *fixture {
	t.Helper()
	log := testLogger(t)
	b := bus.NewMemoryBus(log)
	t.Cleanup(b.Close)

	st := store.New(t.TempDir(), log)
	_, err := st.Create("conv-1", bus.NewEvent(bus.KindUserMessage, "user-key", "please fix the typo", nil))
	require.NoError(t, err)

	agents := agent.NewRegistry(log)
	agents.LoadDefaults()
	def, err := agents.Get("executor")
	require.NoError(t, err)

	toolReg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(toolReg))

	rt := New(Config{
		Bus:                 b,
		Subject:             "events",
		Store:               st,
		Agents:              agents,
		Tools:               toolReg,
		Client:              client,
		KernelKey:           "kernel:test",
		Stream:              config.StreamConfig{FlushDelayMs: 10, MaxFlushDelayMs: 100},
		Typing:              config.TypingConfig{MinVisibleMs: 0},
		TerminationAttempts: 2,
	}, log)

	return &fixture{runtime: rt, store: st, bus: b, client: client, def: def}
}

var errBrokenStream = errors.New("connection reset mid-stream")

func completeCall(id, summary string) llm.StreamEvent {
	args, _ := json.Marshal(map[string]string{"summary": summary})
	return llm.ToolCallStart{CallID: id, Name: "complete", Arguments: args}
}

func TestRunChatTurnWithoutTermination(t *testing.T) {
	client := llm.NewScriptedClient(
		[]llm.StreamEvent{
			llm.ContentDelta{Text: "It was a one-character typo. "},
			llm.ContentDelta{Text: "Fixed."},
			llm.Done{StopReason: "stop", SessionToken: "sess-1"},
		},
	)
	f := newFixture(t, client)

	outcome, err := f.runtime.Run(context.Background(), "conv-1", f.def, conversation.PhaseChat)
	require.NoError(t, err)
	assert.False(t, outcome.AutoCompleted)
	assert.Equal(t, "It was a one-character typo. Fixed.", outcome.Content)

	conv, err := f.store.Get("conv-1")
	require.NoError(t, err)
	require.Len(t, conv.History, 2)
	assert.Equal(t, bus.KindAgentMessage, conv.History[1].Kind)

	cur := conv.Cursors[f.def.ID]
	require.NotNil(t, cur)
	assert.Equal(t, 2, cur.LastSeenIndex)
	assert.Equal(t, "sess-1", cur.SessionToken)
}

func TestRunExplicitCompletion(t *testing.T) {
	client := llm.NewScriptedClient(
		[]llm.StreamEvent{
			llm.ContentDelta{Text: "Applying the fix now."},
			completeCall("c1", "fixed the typo in README"),
			llm.Done{StopReason: "tool_calls"},
		},
	)
	f := newFixture(t, client)

	outcome, err := f.runtime.Run(context.Background(), "conv-1", f.def, conversation.PhaseExecute)
	require.NoError(t, err)
	assert.Equal(t, "fixed the typo in README", outcome.Summary)
	assert.False(t, outcome.AutoCompleted)
	assert.False(t, outcome.EndConversation)
}

func TestRunEndConversation(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"summary": "nothing left to do"})
	client := llm.NewScriptedClient(
		[]llm.StreamEvent{
			llm.ToolCallStart{CallID: "c1", Name: "end_conversation", Arguments: args},
			llm.Done{StopReason: "tool_calls"},
		},
	)
	f := newFixture(t, client)

	outcome, err := f.runtime.Run(context.Background(), "conv-1", f.def, conversation.PhaseChat)
	require.NoError(t, err)
	assert.True(t, outcome.EndConversation)
	assert.Equal(t, "nothing left to do", outcome.Summary)
}

func TestRunTerminationEnforcement(t *testing.T) {
	// Three streams: the original plus two reminder retries, none of which
	// signal completion. The turn must auto-complete with a notice.
	client := llm.NewScriptedClient(
		[]llm.StreamEvent{llm.ContentDelta{Text: "working on it"}, llm.Done{StopReason: "stop"}},
		[]llm.StreamEvent{llm.ContentDelta{Text: "still going"}, llm.Done{StopReason: "stop"}},
		[]llm.StreamEvent{llm.ContentDelta{Text: "almost"}, llm.Done{StopReason: "stop"}},
	)
	f := newFixture(t, client)

	var notes []*bus.Event
	_, err := f.bus.Subscribe("events", bus.Filter{Kinds: []int{bus.KindSystemNote}}, func(ctx context.Context, ev *bus.Event) error {
		notes = append(notes, ev)
		return nil
	})
	require.NoError(t, err)

	outcome, err := f.runtime.Run(context.Background(), "conv-1", f.def, conversation.PhaseExecute)
	require.NoError(t, err)
	assert.True(t, outcome.AutoCompleted)
	assert.Len(t, client.Requests(), 3)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Content, "closed automatically")

	// Reminders landed in the retry transcripts.
	second := client.Requests()[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "complete tool")
}

func TestRunToolResultsFeedBack(t *testing.T) {
	client := llm.NewScriptedClient(
		[]llm.StreamEvent{
			llm.ToolCallStart{CallID: "bad", Name: "no_such_tool", Arguments: nil},
			llm.Done{StopReason: "tool_calls"},
		},
		[]llm.StreamEvent{
			completeCall("c2", "recovered after tool error"),
			llm.Done{StopReason: "tool_calls"},
		},
	)
	f := newFixture(t, client)

	outcome, err := f.runtime.Run(context.Background(), "conv-1", f.def, conversation.PhaseExecute)
	require.NoError(t, err)
	assert.Equal(t, "recovered after tool error", outcome.Summary)

	// The protocol error came back to the model as a tool message.
	second := client.Requests()[1]
	var sawToolError bool
	for _, m := range second.Messages {
		if m.Role == llm.RoleTool && m.ToolCallID == "bad" {
			sawToolError = true
			assert.Contains(t, m.Content, "unknown tool")
		}
	}
	assert.True(t, sawToolError)
}

func TestRunStreamErrorStillPublishesPartial(t *testing.T) {
	client := llm.NewScriptedClient(
		[]llm.StreamEvent{
			llm.ContentDelta{Text: "Half an answer before the line "},
			llm.ContentDelta{Text: "went dead."},
			llm.StreamError{Err: errBrokenStream},
		},
	)
	f := newFixture(t, client)

	var finals []*bus.Event
	_, err := f.bus.Subscribe("events", bus.Filter{Kinds: []int{bus.KindAgentMessage}}, func(ctx context.Context, ev *bus.Event) error {
		finals = append(finals, ev)
		return nil
	})
	require.NoError(t, err)

	_, err = f.runtime.Run(context.Background(), "conv-1", f.def, conversation.PhaseChat)
	require.Error(t, err)

	// The text streamed before the failure still reaches subscribers as the
	// final message.
	require.Len(t, finals, 1)
	assert.Equal(t, "Half an answer before the line went dead.", finals[0].Content)
}

func TestRunSessionTokenFromTriggerEvent(t *testing.T) {
	client := llm.NewScriptedClient(
		[]llm.StreamEvent{
			llm.ContentDelta{Text: "Resuming where we left off."},
			llm.Done{StopReason: "stop"},
		},
	)
	f := newFixture(t, client)

	require.NoError(t, f.store.With("conv-1", func(c *conversation.Conversation) error {
		if err := c.SetCursor(f.def.ID, conversation.AgentCursor{SessionToken: "tok-old"}); err != nil {
			return err
		}
		c.Append(bus.NewEvent(bus.KindUserMessage, "user-key", "continue",
			[][]string{{bus.TagSessionToken, "tok-new"}}))
		return nil
	}))

	_, err := f.runtime.Run(context.Background(), "conv-1", f.def, conversation.PhaseChat)
	require.NoError(t, err)

	require.Len(t, client.Requests(), 1)
	assert.Equal(t, "tok-new", client.Requests()[0].SessionToken)
}

func TestRunToolStartFlushesAndLabelsTyping(t *testing.T) {
	client := llm.NewScriptedClient(
		[]llm.StreamEvent{
			llm.ContentDelta{Text: "Checking"},
			completeCall("c1", "checked"),
			llm.Done{StopReason: "tool_calls"},
		},
	)
	f := newFixture(t, client)

	var typings []*bus.Event
	var chunks []*bus.Event
	_, err := f.bus.Subscribe("events", bus.Filter{Kinds: []int{bus.KindTypingStart, bus.KindStreamChunk}}, func(ctx context.Context, ev *bus.Event) error {
		switch ev.Kind {
		case bus.KindTypingStart:
			typings = append(typings, ev)
		case bus.KindStreamChunk:
			chunks = append(chunks, ev)
		}
		return nil
	})
	require.NoError(t, err)

	_, err = f.runtime.Run(context.Background(), "conv-1", f.def, conversation.PhaseExecute)
	require.NoError(t, err)

	// Buffered text flushed before the tool ran, and the indicator named it.
	var sawChunk bool
	for _, c := range chunks {
		if c.Content == "Checking" {
			sawChunk = true
		}
	}
	assert.True(t, sawChunk)

	var sawLabel bool
	for _, ev := range typings {
		if tool, ok := ev.Tag(bus.TagTool); ok && tool == "complete" {
			sawLabel = true
			assert.Contains(t, ev.Content, "complete")
		}
	}
	assert.True(t, sawLabel)
}

func TestBuildViewRolesAndDelimiter(t *testing.T) {
	conv := conversation.New("c", bus.NewEvent(bus.KindUserMessage, "user-key", "hello", nil))
	conv.Append(bus.NewEvent(bus.KindAgentMessage, "agent:self", "hi, how can I help?", nil))
	conv.Append(bus.NewEvent(bus.KindUserMessage, "user-key", "fix the bug", nil))
	conv.Append(bus.NewEvent(bus.KindAgentMessage, "agent:other", "I looked at the logs.", nil))

	name := func(key string) string {
		if key == "agent:other" {
			return "Planner"
		}
		return key
	}

	msgs := buildView(conv, "agent:self", 2, name)
	require.Len(t, msgs, 5)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, llm.RoleSystem, msgs[2].Role)
	assert.Equal(t, awayDelimiter, msgs[2].Content)
	assert.Equal(t, llm.RoleUser, msgs[3].Role)
	assert.Equal(t, llm.RoleSystem, msgs[4].Role)
	assert.Contains(t, msgs[4].Content, "[Planner]")
}
