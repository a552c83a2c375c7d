// Package runtime drives one agent invocation: it renders the agent's view
// of the conversation, streams the model, executes requested tools, and
// enforces explicit turn termination.
package runtime

import (
	"fmt"

	"github.com/tenex/tenex/internal/conversation"
	"github.com/tenex/tenex/internal/events/bus"
	"github.com/tenex/tenex/internal/llm"
)

const awayDelimiter = "=== messages while you were away ==="

// buildView renders the conversation history into the message transcript one
// agent sees. Events the agent authored map to assistant turns, user events
// to user turns, and other agents' messages to attributed system notes.
// Events past the agent's cursor are grouped behind a delimiter so the model
// knows what happened since its last turn.
func buildView(conv *conversation.Conversation, selfKey string, cursor int, agentName func(authorKey string) string) []llm.Message {
	var msgs []llm.Message
	delimited := false

	for i, ev := range conv.History {
		if ev.Kind != bus.KindUserMessage && ev.Kind != bus.KindAgentMessage && ev.Kind != bus.KindSystemNote {
			continue
		}
		if i >= cursor && cursor > 0 && !delimited {
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: awayDelimiter})
			delimited = true
		}

		switch {
		case ev.AuthorKey == selfKey:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: ev.Content})
		case ev.Kind == bus.KindUserMessage:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: ev.Content})
		default:
			name := agentName(ev.AuthorKey)
			msgs = append(msgs, llm.Message{
				Role:    llm.RoleSystem,
				Content: fmt.Sprintf("[%s]: %s", name, ev.Content),
			})
		}
	}
	return msgs
}

// systemPrompt assembles the agent's system prompt for the current phase.
func systemPrompt(instructions string, phase conversation.Phase) string {
	prompt := instructions
	if prompt != "" {
		prompt += "\n\n"
	}
	prompt += "Current phase: " + string(phase) + "."
	if phase.RequiresTermination() {
		prompt += " When your work for this turn is finished you MUST call the complete tool " +
			"with a summary, or end_conversation if nothing further should happen."
	}
	return prompt
}
