package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tenex/tenex/internal/conversation"
)

// ErrDecisionParse is returned when routing output is not usable JSON.
var ErrDecisionParse = errors.New("routing decision is not valid JSON")

// RoutingDecision is the orchestrator model's answer: who speaks next, in
// which phase, and why. An agents list of just the END sentinel terminates
// the conversation; an empty list waits for the user.
type RoutingDecision struct {
	Agents       []string `json:"agents"`
	Phase        string   `json:"phase,omitempty"`
	Reason       string   `json:"reason"`
	UserOverride bool     `json:"user_override,omitempty"`
}

// IsEnd reports whether the decision terminates the conversation.
func (d *RoutingDecision) IsEnd() bool {
	return len(d.Agents) == 1 && d.Agents[0] == conversation.EndSentinel
}

// IsWait reports whether the decision hands control back to the user.
func (d *RoutingDecision) IsWait() bool {
	return len(d.Agents) == 0 && d.Phase == ""
}

// ParseDecision extracts a routing decision from model output. Models wrap
// JSON in prose and code fences; we tolerate both by slicing from the first
// opening brace to the last closing one.
func ParseDecision(content string) (*RoutingDecision, error) {
	s := strings.TrimSpace(content)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object found", ErrDecisionParse)
	}

	var d RoutingDecision
	if err := json.Unmarshal([]byte(s[start:end+1]), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecisionParse, err)
	}
	if d.Phase != "" {
		p, err := conversation.ParsePhase(d.Phase)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecisionParse, err)
		}
		d.Phase = string(p)
	}
	return &d, nil
}

// narrative renders the conversation's routing context: recent exchanges,
// phase transitions, and turn completions, compact enough to prepend to
// every routing request.
func narrative(conv *conversation.Conversation, agentName func(authorKey string) string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Conversation %s, current phase: %s.\n", conv.ID, conv.Phase)
	if len(conv.Transitions) > 0 {
		b.WriteString("Phase history:\n")
		for _, tr := range conv.Transitions {
			fmt.Fprintf(&b, "- %s -> %s (%s)", tr.From, tr.To, tr.Initiator)
			if tr.Reason != "" {
				fmt.Fprintf(&b, ": %s", tr.Reason)
			}
			b.WriteString("\n")
		}
	}
	if len(conv.Turns) > 0 {
		b.WriteString("Recent turns:\n")
		turns := conv.Turns
		if len(turns) > 5 {
			turns = turns[len(turns)-5:]
		}
		for _, t := range turns {
			fmt.Fprintf(&b, "- [%s] routed to %s", t.Phase, strings.Join(t.TargetAgents, ", "))
			if t.Reason != "" {
				fmt.Fprintf(&b, " because: %s", t.Reason)
			}
			b.WriteString("\n")
			for _, c := range t.Completions {
				fmt.Fprintf(&b, "  %s completed: %s\n", c.AgentID, c.Summary)
			}
			for _, a := range t.FailedAgents {
				fmt.Fprintf(&b, "  %s failed\n", a)
			}
		}
	}
	return b.String()
}
