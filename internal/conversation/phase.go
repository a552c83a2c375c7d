// Package conversation defines the conversation aggregate: the event
// history, per-agent cursors, orchestrator turns, and phase lifecycle the
// kernel routes through.
package conversation

import (
	"errors"
	"fmt"
	"strings"
)

// Phase is a coarse state in the conversation lifecycle.
type Phase string

// Lifecycle phases.
const (
	PhaseChat         Phase = "chat"
	PhaseBrainstorm   Phase = "brainstorm"
	PhasePlan         Phase = "plan"
	PhaseExecute      Phase = "execute"
	PhaseVerification Phase = "verification"
	PhaseChores       Phase = "chores"
	PhaseReflection   Phase = "reflection"
)

// ErrPhaseTransition is returned for transitions outside the allowed graph.
var ErrPhaseTransition = errors.New("illegal phase transition")

// ErrQualityChainBypass is returned when the orchestrator tries to shorten
// the mandatory post-Execute sequence without an explicit user override.
var ErrQualityChainBypass = errors.New("post-execute quality sequence cannot be shortened by the orchestrator")

// transitions is the allowed phase transition graph.
var transitions = map[Phase][]Phase{
	PhaseChat:         {PhaseExecute, PhasePlan, PhaseBrainstorm},
	PhaseBrainstorm:   {PhaseChat, PhasePlan, PhaseExecute},
	PhasePlan:         {PhaseExecute},
	PhaseExecute:      {PhaseVerification, PhaseChat},
	PhaseVerification: {PhaseChores, PhaseExecute, PhaseChat},
	PhaseChores:       {PhaseReflection},
	PhaseReflection:   {PhaseChat},
}

// ParsePhase converts a string to a Phase, case-insensitively.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PhaseChat, PhaseBrainstorm, PhasePlan, PhaseExecute, PhaseVerification, PhaseChores, PhaseReflection:
		return p, nil
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// CanTransitionTo reports whether `to` is reachable from p in one step.
func (p Phase) CanTransitionTo(to Phase) bool {
	for _, next := range transitions[p] {
		if next == to {
			return true
		}
	}
	return false
}

// RequiresTermination reports whether agent turns ending in this phase must
// conclude with an explicit complete/end_conversation tool call.
func (p Phase) RequiresTermination() bool {
	switch p {
	case PhaseChat, PhaseBrainstorm:
		return false
	}
	return true
}

// ValidateTransition checks a proposed transition against the graph and the
// mandatory post-Execute quality sequence. Orchestrator-initiated escapes
// from Execute or Verification straight back to Chat require an explicit
// user override, which the caller records in the transition's reason.
func ValidateTransition(from, to Phase, initiator string, userOverride bool) error {
	if from == to {
		return nil
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrPhaseTransition, from, to)
	}
	if to == PhaseChat && (from == PhaseExecute || from == PhaseVerification) {
		if initiator != InitiatorUser && !userOverride {
			return fmt.Errorf("%w: %s -> %s", ErrQualityChainBypass, from, to)
		}
	}
	return nil
}

// Transition initiators.
const (
	InitiatorUser         = "user"
	InitiatorOrchestrator = "orchestrator"
	InitiatorKernel       = "kernel"
)
