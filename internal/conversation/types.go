package conversation

// AgentCursor marks what an agent has processed: events with index below
// LastSeenIndex have been rendered into a prior turn; everything at or past
// it is "unseen" on the next invocation.
type AgentCursor struct {
	LastSeenIndex int    `json:"last_seen_index"`
	SessionToken  string `json:"session_token,omitempty"`
}

// Completion records one agent's contribution to an orchestrator turn.
type Completion struct {
	AgentID  string            `json:"agent_id"`
	Summary  string            `json:"summary"`
	Metadata map[string]string `json:"metadata,omitempty"`
	At       int64             `json:"at"` // unix seconds
}

// OrchestratorTurn is one routing decision and its fan-out of agent
// invocations. Once Completed is true the turn is immutable.
type OrchestratorTurn struct {
	TurnID       string       `json:"turn_id"`
	StartedAt    int64        `json:"started_at"` // unix seconds
	Phase        Phase        `json:"phase"`
	TargetAgents []string     `json:"target_agents"`
	Reason       string       `json:"reason,omitempty"`
	Completions  []Completion `json:"completions,omitempty"`
	FailedAgents []string     `json:"failed_agents,omitempty"`
	Completed    bool         `json:"completed"`
}

// settled reports whether an agent has either completed or been failed.
func (t *OrchestratorTurn) settled(agentID string) bool {
	for _, c := range t.Completions {
		if c.AgentID == agentID {
			return true
		}
	}
	for _, a := range t.FailedAgents {
		if a == agentID {
			return true
		}
	}
	return false
}

// AllSettled reports whether every target agent has contributed a completion
// or been marked failed.
func (t *OrchestratorTurn) AllSettled() bool {
	for _, a := range t.TargetAgents {
		if !t.settled(a) {
			return false
		}
	}
	return true
}

// PhaseTransition records one move through the phase graph.
type PhaseTransition struct {
	From      Phase  `json:"from"`
	To        Phase  `json:"to"`
	Initiator string `json:"initiator"`
	Reason    string `json:"reason,omitempty"`
	Summary   string `json:"summary,omitempty"`
	At        int64  `json:"at"` // unix seconds
}

// ExecutionTime accounts wall-clock time spent in the Execute phase.
// Active is reset to false on kernel start regardless of persisted value.
type ExecutionTime struct {
	TotalSeconds int64  `json:"total_seconds"`
	SessionStart *int64 `json:"session_start,omitempty"` // unix seconds
	Active       bool   `json:"active"`
}

// Well-known metadata keys.
const (
	MetaTitle             = "title"
	MetaReferencedArticle = "referencedArticle"
	MetaVoiceMode         = "voiceMode"
	MetaReadFiles         = "readFiles"
	// MetaDirectRouted holds the id of the last user event that was routed
	// straight to its p-tagged agents, so a re-trigger does not re-run them.
	MetaDirectRouted = "directRoutedEvent"
)
