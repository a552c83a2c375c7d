package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tenex/tenex/internal/common/config"
	"github.com/tenex/tenex/internal/common/logger"
)

// HTTPClient streams completions from an OpenAI-compatible chat endpoint
// over server-sent events.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  *logger.Logger
}

// NewHTTPClient creates a client from the kernel's LLM configuration.
func NewHTTPClient(cfg config.LLMConfig, log *logger.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey(),
		model:   cfg.Model,
		http:    &http.Client{Timeout: cfg.RequestTimeout()},
		logger:  log.WithFields(zap.String("component", "llm-client")),
	}
}

type chatMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall  `json:"tool_calls,omitempty"`
	Reasoning  json.RawMessage `json:"reasoning_content,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []chatTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

type chatChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string         `json:"content"`
			Reasoning string         `json:"reasoning_content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Stream sends the request and emits typed events until the provider
// finishes or the context is cancelled.
func (c *HTTPClient) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	body := chatRequest{
		Model:  req.Model,
		Stream: true,
	}
	body.StreamOptions.IncludeUsage = true
	if body.Model == "" {
		body.Model = c.model
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		})
	}
	for _, t := range req.Tools {
		tool := chatTool{Type: "function"}
		tool.Function.Name = t.Name
		tool.Function.Description = t.Description
		tool.Function.Parameters = t.Schema
		body.Tools = append(body.Tools, tool)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if req.SessionToken != "" {
		httpReq.Header.Set("X-Session-Token", req.SessionToken)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("chat request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	events := make(chan StreamEvent, 64)
	go c.readStream(resp.Body, req.SessionToken, events)
	return events, nil
}

// readStream parses the SSE body into stream events. Tool call fragments are
// accumulated per call id and emitted once arguments are complete.
func (c *HTTPClient) readStream(body io.ReadCloser, sessionToken string, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	var pending []*pendingCall
	flushCalls := func() {
		for _, pc := range pending {
			events <- ToolCallStart{
				CallID:    pc.id,
				Name:      pc.name,
				Arguments: json.RawMessage(pc.args.String()),
			}
		}
		pending = nil
	}

	var stopReason string
	start := time.Now()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			events <- StreamError{Err: fmt.Errorf("malformed stream chunk: %w", err)}
			return
		}

		if chunk.Usage != nil {
			events <- Usage{
				Model:            chunk.Model,
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Reasoning != "" {
				events <- ReasoningDelta{Text: choice.Delta.Reasoning}
			}
			if choice.Delta.Content != "" {
				events <- ContentDelta{Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				var pc *pendingCall
				if tc.ID != "" {
					pc = &pendingCall{id: tc.ID, name: tc.Function.Name}
					pending = append(pending, pc)
				} else if len(pending) > 0 {
					pc = pending[len(pending)-1]
				}
				if pc != nil {
					if tc.Function.Name != "" && pc.name == "" {
						pc.name = tc.Function.Name
					}
					pc.args.WriteString(tc.Function.Arguments)
				}
			}
			if choice.FinishReason != "" {
				stopReason = choice.FinishReason
				flushCalls()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		events <- StreamError{Err: fmt.Errorf("stream read failed: %w", err)}
		return
	}

	flushCalls()
	c.logger.Debug("stream finished",
		zap.String("stop_reason", stopReason),
		zap.Duration("elapsed", time.Since(start)))
	events <- Done{SessionToken: sessionToken, StopReason: stopReason}
}
