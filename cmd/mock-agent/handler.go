package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// delayRange returns min/max inter-chunk delay in milliseconds based on model name.
func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 1, 5
	case "mock-slow":
		return 200, 800
	default:
		return 20, 80
	}
}

// randomDelay sleeps for a random duration within the model's delay range.
func randomDelay(model string) {
	lo, hi := delayRange(model)
	ms := lo + rand.Intn(hi-lo+1)
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// streamWriter emits SSE chunks for one completion.
type streamWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
	model   string
	counter int
}

func newStreamWriter(c *gin.Context, model string) *streamWriter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	flusher, _ := c.Writer.(http.Flusher)
	return &streamWriter{w: c.Writer, flusher: flusher, model: model}
}

func (s *streamWriter) send(chunk chatChunk) {
	s.counter++
	chunk.ID = fmt.Sprintf("mock-%d", s.counter)
	chunk.Object = "chat.completion.chunk"
	chunk.Model = s.model
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *streamWriter) content(text string) {
	s.send(chatChunk{Choices: []chunkChoice{{Delta: chunkDelta{Content: text}}}})
}

func (s *streamWriter) reasoning(text string) {
	s.send(chatChunk{Choices: []chunkChoice{{Delta: chunkDelta{Reasoning: text}}}})
}

// toolCall emits one tool call split across two fragments, the way real
// providers stream function arguments.
func (s *streamWriter) toolCall(name string, args string) {
	id := fmt.Sprintf("call_mock_%04d", s.counter)

	first := deltaToolCall{ID: id, Type: "function"}
	first.Function.Name = name
	half := len(args) / 2
	first.Function.Arguments = args[:half]
	s.send(chatChunk{Choices: []chunkChoice{{Delta: chunkDelta{ToolCalls: []deltaToolCall{first}}}}})

	var rest deltaToolCall
	rest.Function.Arguments = args[half:]
	s.send(chatChunk{Choices: []chunkChoice{{Delta: chunkDelta{ToolCalls: []deltaToolCall{rest}}}}})
}

// finish emits the finish_reason, the usage chunk, and the DONE marker.
func (s *streamWriter) finish(reason string) {
	s.send(chatChunk{Choices: []chunkChoice{{FinishReason: reason}}})
	s.send(chatChunk{Usage: &chunkUsage{PromptTokens: 1200, CompletionTokens: 350}})
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed chat request"})
		return
	}
	if !req.Stream {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only streaming requests are supported"})
		return
	}

	sc := pickScenario(req)
	if sc == scenarioError {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "simulated provider failure"})
		return
	}

	s := newStreamWriter(c, req.Model)
	runScenario(s, sc, req)
}
