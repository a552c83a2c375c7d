package main

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenex/tenex/internal/common/config"
	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/llm"
)

func TestPickScenario(t *testing.T) {
	user := func(content string) chatRequest {
		return chatRequest{Messages: []chatMessage{{Role: "user", Content: content}}}
	}

	tests := []struct {
		name string
		req  chatRequest
		want scenario
	}{
		{"plain chat", user("hello there"), scenarioChat},
		{"complete command", user("/complete the task"), scenarioComplete},
		{"end command", user("/end"), scenarioEnd},
		{"error command", user("/error"), scenarioError},
		{
			"routing system prompt",
			chatRequest{Messages: []chatMessage{
				{Role: "system", Content: "You are the invisible routing layer of a multi-agent system."},
				{Role: "user", Content: "hello"},
			}},
			scenarioRouting,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pickScenario(tt.req))
		})
	}
}

// streamThrough runs one request through the real client against the mock server.
func streamThrough(t *testing.T, system, prompt string) []llm.StreamEvent {
	t.Helper()
	srv := httptest.NewServer(router())
	t.Cleanup(srv.Close)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	client := llm.NewHTTPClient(config.LLMConfig{
		BaseURL: srv.URL + "/v1", Model: "mock-fast", RequestTimeoutMs: 10_000,
	}, log)

	stream, err := client.Stream(context.Background(), llm.Request{
		System:   system,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	require.NoError(t, err)

	var events []llm.StreamEvent
	for ev := range stream {
		events = append(events, ev)
	}
	return events
}

func TestChatScenarioStreams(t *testing.T) {
	events := streamThrough(t, "", "hello")

	var content string
	var sawReasoning, sawUsage, sawDone bool
	for _, ev := range events {
		switch e := ev.(type) {
		case llm.ContentDelta:
			content += e.Text
		case llm.ReasoningDelta:
			sawReasoning = true
		case llm.Usage:
			sawUsage = true
		case llm.Done:
			sawDone = true
			assert.Equal(t, "stop", e.StopReason)
		case llm.StreamError:
			t.Fatalf("unexpected stream error: %v", e.Err)
		}
	}
	assert.Contains(t, content, "simulated response")
	assert.True(t, sawReasoning)
	assert.True(t, sawUsage)
	assert.True(t, sawDone)
}

func TestCompleteScenarioEmitsToolCall(t *testing.T) {
	events := streamThrough(t, "", "/complete")

	var calls []llm.ToolCallStart
	for _, ev := range events {
		if call, ok := ev.(llm.ToolCallStart); ok {
			calls = append(calls, call)
		}
	}
	require.Len(t, calls, 1)
	assert.Equal(t, "complete", calls[0].Name)
	assert.JSONEq(t,
		`{"summary":"simulated the requested work and verified nothing broke"}`,
		string(calls[0].Arguments))
}

func TestRoutingScenario(t *testing.T) {
	system := "You are the invisible routing layer of a multi-agent system."

	t.Run("waits by default", func(t *testing.T) {
		events := streamThrough(t, system, "hello")
		var content string
		for _, ev := range events {
			if d, ok := ev.(llm.ContentDelta); ok {
				content += d.Text
			}
		}
		assert.JSONEq(t, `{"agents":[],"reason":"mock router waits for the user"}`, content)
	})

	t.Run("route command targets an agent", func(t *testing.T) {
		events := streamThrough(t, system, "please route:executor now")
		var content string
		for _, ev := range events {
			if d, ok := ev.(llm.ContentDelta); ok {
				content += d.Text
			}
		}
		assert.Contains(t, content, `"agents":["executor"]`)
	})
}

func TestErrorScenarioFailsRequest(t *testing.T) {
	srv := httptest.NewServer(router())
	t.Cleanup(srv.Close)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	client := llm.NewHTTPClient(config.LLMConfig{
		BaseURL: srv.URL + "/v1", Model: "mock-fast", RequestTimeoutMs: 10_000,
	}, log)

	_, err = client.Stream(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "/error"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
