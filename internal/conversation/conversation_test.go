package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex/tenex/internal/events/bus"
)

func newTestConversation() *Conversation {
	return New("conv-1", bus.NewEvent(bus.KindUserMessage, "user-key", "hello", nil))
}

func TestAppendReopensTerminal(t *testing.T) {
	c := newTestConversation()
	c.MarkTerminal()
	require.True(t, c.Terminal)

	c.Append(bus.NewEvent(bus.KindUserMessage, "user-key", "one more thing", nil))
	assert.False(t, c.Terminal)
	assert.Len(t, c.History, 2)
}

func TestUserMessageClearsAwaitingOperator(t *testing.T) {
	c := newTestConversation()
	c.MarkAwaitingOperator()
	require.True(t, c.AwaitingOperator)

	// An agent message leaves the park in place.
	c.Append(bus.NewEvent(bus.KindAgentMessage, "agent:executor", "partial output", nil))
	assert.True(t, c.AwaitingOperator)

	c.Append(bus.NewEvent(bus.KindUserMessage, "user-key", "try again", nil))
	assert.False(t, c.AwaitingOperator)
}

func TestCursorBounds(t *testing.T) {
	c := newTestConversation()

	require.NoError(t, c.SetCursor("coder", AgentCursor{LastSeenIndex: 1}))
	assert.ErrorIs(t, c.SetCursor("coder", AgentCursor{LastSeenIndex: 5}), ErrCursorOutOfRange)
	assert.ErrorIs(t, c.SetCursor("coder", AgentCursor{LastSeenIndex: -1}), ErrCursorOutOfRange)

	t.Run("empty session token keeps previous", func(t *testing.T) {
		require.NoError(t, c.SetCursor("coder", AgentCursor{LastSeenIndex: 1, SessionToken: "tok-1"}))
		require.NoError(t, c.SetCursor("coder", AgentCursor{LastSeenIndex: 1}))
		assert.Equal(t, "tok-1", c.Cursors["coder"].SessionToken)
	})
}

func TestTurnSettlement(t *testing.T) {
	c := newTestConversation()
	c.BeginTurn(&OrchestratorTurn{TurnID: "t1", Phase: PhaseChat, TargetAgents: []string{"a", "b"}})

	require.NoError(t, c.AddCompletion("t1", Completion{AgentID: "a", Summary: "done"}))
	turn, ok := c.Turn("t1")
	require.True(t, ok)
	assert.False(t, turn.Completed)

	require.NoError(t, c.MarkAgentFailed("t1", "b"))
	assert.True(t, turn.Completed)

	t.Run("completed turn is immutable", func(t *testing.T) {
		err := c.AddCompletion("t1", Completion{AgentID: "a", Summary: "again"})
		assert.ErrorIs(t, err, ErrTurnCompleted)
	})

	t.Run("unknown turn", func(t *testing.T) {
		err := c.AddCompletion("t9", Completion{AgentID: "a"})
		assert.ErrorIs(t, err, ErrTurnNotFound)
	})
}

func TestCurrentTurn(t *testing.T) {
	c := newTestConversation()
	_, ok := c.CurrentTurn()
	assert.False(t, ok)

	c.BeginTurn(&OrchestratorTurn{TurnID: "t1", TargetAgents: []string{"a"}})
	turn, ok := c.CurrentTurn()
	require.True(t, ok)
	assert.Equal(t, "t1", turn.TurnID)
}

func TestExecutionTimeAccounting(t *testing.T) {
	c := newTestConversation()

	require.NoError(t, c.RecordTransition(PhaseTransition{
		From: PhaseChat, To: PhaseExecute, Initiator: InitiatorOrchestrator,
	}, false))
	assert.True(t, c.ExecutionTime.Active)
	require.NotNil(t, c.ExecutionTime.SessionStart)

	require.NoError(t, c.RecordTransition(PhaseTransition{
		From: PhaseExecute, To: PhaseVerification, Initiator: InitiatorOrchestrator,
	}, false))
	assert.False(t, c.ExecutionTime.Active)
	assert.Nil(t, c.ExecutionTime.SessionStart)
	assert.GreaterOrEqual(t, c.ExecutionTime.TotalSeconds, int64(0))
}

func TestReflectionToChatClearsReadFiles(t *testing.T) {
	c := newTestConversation()
	c.Phase = PhaseReflection
	c.Metadata[MetaReadFiles] = `["a.go","b.go"]`

	require.NoError(t, c.RecordTransition(PhaseTransition{
		From: PhaseReflection, To: PhaseChat, Initiator: InitiatorOrchestrator,
	}, false))
	_, present := c.Metadata[MetaReadFiles]
	assert.False(t, present)
}

func TestTitleFallback(t *testing.T) {
	c := newTestConversation()
	assert.Equal(t, "hello", c.Title())

	c.Metadata[MetaTitle] = "Login bug"
	assert.Equal(t, "Login bug", c.Title())
}

func TestValidate(t *testing.T) {
	c := newTestConversation()
	require.NoError(t, c.Validate())

	t.Run("bad phase", func(t *testing.T) {
		bad := newTestConversation()
		bad.Phase = "limbo"
		assert.ErrorIs(t, bad.Validate(), ErrValidation)
	})

	t.Run("cursor out of range", func(t *testing.T) {
		bad := newTestConversation()
		bad.Cursors["x"] = &AgentCursor{LastSeenIndex: 99}
		assert.ErrorIs(t, bad.Validate(), ErrValidation)
	})

	t.Run("duplicate turn ids", func(t *testing.T) {
		bad := newTestConversation()
		bad.Turns = []*OrchestratorTurn{{TurnID: "t"}, {TurnID: "t"}}
		assert.ErrorIs(t, bad.Validate(), ErrValidation)
	})
}
