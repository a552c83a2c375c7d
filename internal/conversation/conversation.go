package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/tenex/tenex/internal/events/bus"
)

// EndSentinel is the routing target that terminates a conversation.
// A terminal conversation is reopened by the next user event.
const EndSentinel = "END"

// Common errors.
var (
	ErrTurnNotFound     = errors.New("orchestrator turn not found")
	ErrTurnCompleted    = errors.New("orchestrator turn is completed and immutable")
	ErrCursorOutOfRange = errors.New("cursor index out of range")
	ErrValidation       = errors.New("conversation failed structural validation")
)

// Conversation is the aggregate root: an ordered, persisted exchange between
// a user and one or more agents. All cross-references between turns,
// transitions, and events are expressed as indices or opaque ids into this
// aggregate, never as pointers between records.
type Conversation struct {
	ID            string                  `json:"id"`
	Phase         Phase                   `json:"phase"`
	History       []*bus.Event            `json:"history"`
	Cursors       map[string]*AgentCursor `json:"cursors,omitempty"`
	Turns         []*OrchestratorTurn     `json:"turns,omitempty"`
	Transitions   []*PhaseTransition      `json:"transitions,omitempty"`
	ExecutionTime ExecutionTime           `json:"execution_time"`
	Metadata      map[string]string       `json:"metadata,omitempty"`
	Terminal      bool                    `json:"terminal"`
	Archived      bool                    `json:"archived"`
	// AwaitingOperator parks routing after the orchestrator could not make
	// progress; the next user message clears it.
	AwaitingOperator bool `json:"awaiting_operator,omitempty"`
	CreatedAt     int64                   `json:"created_at"` // unix seconds
	UpdatedAt     int64                   `json:"updated_at"` // unix seconds
}

// New creates a conversation from its initiating event.
func New(id string, initial *bus.Event) *Conversation {
	now := time.Now().Unix()
	c := &Conversation{
		ID:        id,
		Phase:     PhaseChat,
		Cursors:   make(map[string]*AgentCursor),
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if initial != nil {
		c.History = append(c.History, initial)
	}
	return c
}

// Append adds an event to the history and returns its index.
// History is append-only; indices are stable for the conversation's lifetime.
func (c *Conversation) Append(event *bus.Event) int {
	c.History = append(c.History, event)
	c.UpdatedAt = time.Now().Unix()
	if event.Kind == bus.KindUserMessage {
		// A user event reopens a terminal conversation and resumes one that
		// was parked for an operator; prior history is kept.
		c.Terminal = false
		c.AwaitingOperator = false
	}
	return len(c.History) - 1
}

// Cursor returns the agent's cursor, creating it lazily at first touch.
func (c *Conversation) Cursor(agentID string) *AgentCursor {
	if c.Cursors == nil {
		c.Cursors = make(map[string]*AgentCursor)
	}
	cur, ok := c.Cursors[agentID]
	if !ok {
		cur = &AgentCursor{}
		c.Cursors[agentID] = cur
	}
	return cur
}

// SetCursor updates an agent's cursor. The index must satisfy
// 0 <= index <= len(history).
func (c *Conversation) SetCursor(agentID string, cursor AgentCursor) error {
	if cursor.LastSeenIndex < 0 || cursor.LastSeenIndex > len(c.History) {
		return fmt.Errorf("%w: %d (history length %d)", ErrCursorOutOfRange, cursor.LastSeenIndex, len(c.History))
	}
	cur := c.Cursor(agentID)
	cur.LastSeenIndex = cursor.LastSeenIndex
	if cursor.SessionToken != "" {
		cur.SessionToken = cursor.SessionToken
	}
	c.UpdatedAt = time.Now().Unix()
	return nil
}

// BeginTurn appends a new orchestrator turn.
func (c *Conversation) BeginTurn(turn *OrchestratorTurn) {
	c.Turns = append(c.Turns, turn)
	c.UpdatedAt = time.Now().Unix()
}

// Turn looks up a turn by id.
func (c *Conversation) Turn(turnID string) (*OrchestratorTurn, bool) {
	for _, t := range c.Turns {
		if t.TurnID == turnID {
			return t, true
		}
	}
	return nil, false
}

// CurrentTurn returns the most recent turn that has not completed, if any.
func (c *Conversation) CurrentTurn() (*OrchestratorTurn, bool) {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if !c.Turns[i].Completed {
			return c.Turns[i], true
		}
	}
	return nil, false
}

// AddCompletion records an agent's completion on a turn. The turn closes
// once every target agent has completed or been marked failed.
func (c *Conversation) AddCompletion(turnID string, completion Completion) error {
	turn, ok := c.Turn(turnID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTurnNotFound, turnID)
	}
	if turn.Completed {
		return fmt.Errorf("%w: %s", ErrTurnCompleted, turnID)
	}
	turn.Completions = append(turn.Completions, completion)
	if turn.AllSettled() {
		turn.Completed = true
	}
	c.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkAgentFailed settles a target agent on a turn without a completion.
func (c *Conversation) MarkAgentFailed(turnID, agentID string) error {
	turn, ok := c.Turn(turnID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTurnNotFound, turnID)
	}
	if turn.Completed {
		return fmt.Errorf("%w: %s", ErrTurnCompleted, turnID)
	}
	turn.FailedAgents = append(turn.FailedAgents, agentID)
	if turn.AllSettled() {
		turn.Completed = true
	}
	c.UpdatedAt = time.Now().Unix()
	return nil
}

// RecordTransition validates and applies a phase transition.
// The REFLECTION→CHAT transition clears the readFiles metadata.
func (c *Conversation) RecordTransition(t PhaseTransition, userOverride bool) error {
	if t.From != c.Phase {
		return fmt.Errorf("%w: transition from %s but conversation is in %s", ErrPhaseTransition, t.From, c.Phase)
	}
	if t.From == t.To {
		return nil
	}
	if err := ValidateTransition(t.From, t.To, t.Initiator, userOverride); err != nil {
		return err
	}
	if t.At == 0 {
		t.At = time.Now().Unix()
	}
	c.Transitions = append(c.Transitions, &t)
	c.Phase = t.To

	if t.From == PhaseReflection && t.To == PhaseChat {
		delete(c.Metadata, MetaReadFiles)
	}

	switch {
	case t.To == PhaseExecute:
		now := time.Now().Unix()
		c.ExecutionTime.SessionStart = &now
		c.ExecutionTime.Active = true
	case t.From == PhaseExecute:
		if c.ExecutionTime.SessionStart != nil {
			c.ExecutionTime.TotalSeconds += time.Now().Unix() - *c.ExecutionTime.SessionStart
			c.ExecutionTime.SessionStart = nil
		}
		c.ExecutionTime.Active = false
	}

	c.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkTerminal flags the conversation as having reached END.
func (c *Conversation) MarkTerminal() {
	c.Terminal = true
	c.UpdatedAt = time.Now().Unix()
}

// MarkAwaitingOperator parks the conversation for operator attention.
func (c *Conversation) MarkAwaitingOperator() {
	c.AwaitingOperator = true
	c.UpdatedAt = time.Now().Unix()
}

// Title returns the conversation title, falling back to the first user
// message content when unset.
func (c *Conversation) Title() string {
	if t := c.Metadata[MetaTitle]; t != "" {
		return t
	}
	for _, e := range c.History {
		if e.Kind == bus.KindUserMessage {
			const max = 80
			if len(e.Content) > max {
				return e.Content[:max]
			}
			return e.Content
		}
	}
	return ""
}

// Validate performs the structural checks applied at load time. A
// conversation failing validation is skipped; the kernel keeps running.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrValidation)
	}
	if _, err := ParsePhase(string(c.Phase)); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for agentID, cur := range c.Cursors {
		if cur == nil {
			return fmt.Errorf("%w: nil cursor for agent %s", ErrValidation, agentID)
		}
		if cur.LastSeenIndex < 0 || cur.LastSeenIndex > len(c.History) {
			return fmt.Errorf("%w: cursor for agent %s out of range", ErrValidation, agentID)
		}
	}
	for i, e := range c.History {
		if e == nil || e.ID == "" {
			return fmt.Errorf("%w: malformed event at index %d", ErrValidation, i)
		}
	}
	seen := make(map[string]bool, len(c.Turns))
	for _, t := range c.Turns {
		if t.TurnID == "" {
			return fmt.Errorf("%w: turn with empty id", ErrValidation)
		}
		if seen[t.TurnID] {
			return fmt.Errorf("%w: duplicate turn id %s", ErrValidation, t.TurnID)
		}
		seen[t.TurnID] = true
	}
	return nil
}
