package main

import (
	"encoding/json"
	"fmt"
	"strings"
)

type scenario int

const (
	scenarioChat scenario = iota
	scenarioRouting
	scenarioComplete
	scenarioEnd
	scenarioError
)

// pickScenario chooses a response shape from the request. Routing requests
// are recognized by their system prompt; agent requests are steered with
// slash commands in the latest user message, so a developer can drive any
// code path from the chat box.
func pickScenario(req chatRequest) scenario {
	for _, m := range req.Messages {
		if m.Role == "system" && strings.Contains(m.Content, "routing layer") {
			return scenarioRouting
		}
	}

	prompt := lastUserMessage(req)
	switch {
	case strings.HasPrefix(prompt, "/error"):
		return scenarioError
	case strings.HasPrefix(prompt, "/complete"):
		return scenarioComplete
	case strings.HasPrefix(prompt, "/end"):
		return scenarioEnd
	default:
		return scenarioChat
	}
}

func lastUserMessage(req chatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return strings.TrimSpace(req.Messages[i].Content)
		}
	}
	return ""
}

func runScenario(s *streamWriter, sc scenario, req chatRequest) {
	switch sc {
	case scenarioRouting:
		emitRoutingDecision(s, req)
	case scenarioComplete:
		emitCompletion(s, req)
	case scenarioEnd:
		s.toolCall("end_conversation", `{"summary":"the user asked to wrap up","reason":"requested via /end"}`)
		s.finish("tool_calls")
	default:
		emitChatReply(s, req)
	}
}

// emitRoutingDecision answers a routing request. "route:<agent-id>" in the
// user's message routes there; anything else waits for the user, which keeps
// mock conversations from looping forever.
func emitRoutingDecision(s *streamWriter, req chatRequest) {
	decision := map[string]any{
		"agents": []string{},
		"reason": "mock router waits for the user",
	}
	prompt := lastUserMessage(req)
	if idx := strings.Index(prompt, "route:"); idx >= 0 {
		target := strings.Fields(prompt[idx+len("route:"):])
		if len(target) > 0 {
			decision["agents"] = []string{target[0]}
			decision["reason"] = "user explicitly asked for " + target[0]
		}
	}
	data, _ := json.Marshal(decision)
	randomDelay(req.Model)
	s.content(string(data))
	s.finish("stop")
}

// emitCompletion streams a short work narration, then signals completion
// through the complete tool the way a well-behaved agent does.
func emitCompletion(s *streamWriter, req chatRequest) {
	for _, sentence := range []string{
		"Looking at the request. ",
		"Done, applying the change now.",
	} {
		randomDelay(req.Model)
		s.content(sentence)
	}
	args, _ := json.Marshal(map[string]string{
		"summary": "simulated the requested work and verified nothing broke",
	})
	s.toolCall("complete", string(args))
	s.finish("tool_calls")
}

// emitChatReply streams a canned conversational answer word by word.
func emitChatReply(s *streamWriter, req chatRequest) {
	s.reasoning("The user wants a simulated answer; any plausible text will do.")

	reply := fmt.Sprintf(
		"This is a simulated response from %s. Steer me with /complete, /end, or /error, or say route:<agent-id> to drive routing.",
		s.model)
	words := strings.SplitAfter(reply, " ")
	for _, w := range words {
		randomDelay(req.Model)
		s.content(w)
	}
	s.finish("stop")
}
