package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex/tenex/internal/conversation"
	"github.com/tenex/tenex/internal/events/bus"
)

func TestParseDecision(t *testing.T) {
	t.Run("plain json", func(t *testing.T) {
		d, err := ParseDecision(`{"agents":["coder"],"phase":"execute","reason":"code change needed"}`)
		require.NoError(t, err)
		assert.Equal(t, []string{"coder"}, d.Agents)
		assert.Equal(t, "execute", d.Phase)
	})

	t.Run("fenced json", func(t *testing.T) {
		d, err := ParseDecision("Here is my decision:\n```json\n{\"agents\":[\"pm\"],\"reason\":\"question\"}\n```")
		require.NoError(t, err)
		assert.Equal(t, []string{"pm"}, d.Agents)
	})

	t.Run("json embedded in prose", func(t *testing.T) {
		d, err := ParseDecision(`I think {"agents":["END"],"reason":"done"} is right.`)
		require.NoError(t, err)
		assert.True(t, d.IsEnd())
	})

	t.Run("phase normalized", func(t *testing.T) {
		d, err := ParseDecision(`{"agents":["x"],"phase":"Execute","reason":"r"}`)
		require.NoError(t, err)
		assert.Equal(t, "execute", d.Phase)
	})

	t.Run("invalid phase rejected", func(t *testing.T) {
		_, err := ParseDecision(`{"agents":["x"],"phase":"shipping","reason":"r"}`)
		assert.ErrorIs(t, err, ErrDecisionParse)
	})

	t.Run("no json at all", func(t *testing.T) {
		_, err := ParseDecision("I routed it to the coder.")
		assert.ErrorIs(t, err, ErrDecisionParse)
	})

	t.Run("wait decision", func(t *testing.T) {
		d, err := ParseDecision(`{"agents":[],"reason":"user should confirm"}`)
		require.NoError(t, err)
		assert.True(t, d.IsWait())
	})
}

func TestNarrative(t *testing.T) {
	conv := conversation.New("conv-n", bus.NewEvent(bus.KindUserMessage, "user-key", "build the feature", nil))
	require.NoError(t, conv.RecordTransition(conversation.PhaseTransition{
		From: conversation.PhaseChat, To: conversation.PhasePlan,
		Initiator: conversation.InitiatorOrchestrator, Reason: "needs a plan",
	}, false))
	conv.BeginTurn(&conversation.OrchestratorTurn{
		TurnID: "t1", Phase: conversation.PhasePlan, TargetAgents: []string{"planner"}, Reason: "plan first",
	})
	require.NoError(t, conv.AddCompletion("t1", conversation.Completion{AgentID: "planner", Summary: "three step plan"}))

	s := narrative(conv, func(k string) string { return k })
	assert.Contains(t, s, "current phase: plan")
	assert.Contains(t, s, "chat -> plan")
	assert.Contains(t, s, "planner completed: three step plan")
}

func TestResolveConversation(t *testing.T) {
	t.Run("e tag wins", func(t *testing.T) {
		ev := bus.NewEvent(bus.KindUserMessage, "u", "x", [][]string{{"e", "conv-e"}, {"E", "conv-root"}})
		assert.Equal(t, "conv-e", resolveConversation(ev))
	})

	t.Run("falls back to root then d", func(t *testing.T) {
		ev := bus.NewEvent(bus.KindUserMessage, "u", "x", [][]string{{"E", "conv-root"}})
		assert.Equal(t, "conv-root", resolveConversation(ev))

		ev = bus.NewEvent(bus.KindUserMessage, "u", "x", [][]string{{"d", "conv-d"}})
		assert.Equal(t, "conv-d", resolveConversation(ev))
	})

	t.Run("untagged event starts a conversation named after itself", func(t *testing.T) {
		ev := bus.NewEvent(bus.KindUserMessage, "u", "x", nil)
		assert.Equal(t, ev.ID, resolveConversation(ev))
	})
}
