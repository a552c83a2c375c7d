package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase(" Execute ")
	require.NoError(t, err)
	assert.Equal(t, PhaseExecute, p)

	_, err = ParsePhase("deploy")
	assert.Error(t, err)
}

func TestPhaseGraph(t *testing.T) {
	tests := []struct {
		from, to Phase
		allowed  bool
	}{
		{PhaseChat, PhaseExecute, true},
		{PhaseChat, PhasePlan, true},
		{PhaseChat, PhaseBrainstorm, true},
		{PhaseChat, PhaseVerification, false},
		{PhaseBrainstorm, PhaseChat, true},
		{PhasePlan, PhaseExecute, true},
		{PhasePlan, PhaseChat, false},
		{PhaseExecute, PhaseVerification, true},
		{PhaseExecute, PhaseChat, true},
		{PhaseVerification, PhaseChores, true},
		{PhaseVerification, PhaseExecute, true},
		{PhaseChores, PhaseReflection, true},
		{PhaseChores, PhaseChat, false},
		{PhaseReflection, PhaseChat, true},
		{PhaseReflection, PhaseExecute, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestValidateTransitionQualityChain(t *testing.T) {
	t.Run("orchestrator cannot escape execute to chat", func(t *testing.T) {
		err := ValidateTransition(PhaseExecute, PhaseChat, InitiatorOrchestrator, false)
		assert.ErrorIs(t, err, ErrQualityChainBypass)
	})

	t.Run("user override permits the escape", func(t *testing.T) {
		assert.NoError(t, ValidateTransition(PhaseExecute, PhaseChat, InitiatorOrchestrator, true))
	})

	t.Run("user initiated escape is always allowed", func(t *testing.T) {
		assert.NoError(t, ValidateTransition(PhaseVerification, PhaseChat, InitiatorUser, false))
	})

	t.Run("self transition is a no-op", func(t *testing.T) {
		assert.NoError(t, ValidateTransition(PhaseChat, PhaseChat, InitiatorOrchestrator, false))
	})
}

func TestRequiresTermination(t *testing.T) {
	assert.False(t, PhaseChat.RequiresTermination())
	assert.False(t, PhaseBrainstorm.RequiresTermination())
	for _, p := range []Phase{PhasePlan, PhaseExecute, PhaseVerification, PhaseChores, PhaseReflection} {
		assert.True(t, p.RequiresTermination(), string(p))
	}
}
