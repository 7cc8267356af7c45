// Package llm adapts providers speaking the OpenAI-compatible chat
// completions API to the runtime's LLMClient port.
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

	"seed/internal/agent/ports"
	sharederrors "seed/internal/shared/errors"
	"seed/internal/shared/logging"
	tokenutil "seed/internal/shared/token"
)

const defaultRequestTimeout = 120 * time.Second

// UsageRecorder receives per-request accounting. Implemented by the metrics
// collector; optional.
type UsageRecorder interface {
	RecordLLMRequest(model, status string, latency time.Duration, promptTokens, completionTokens int)
}

// Config configures the client.
type Config struct {
	APIKey         string
	BaseURL        string
	TimeoutSeconds int
	Headers        map[string]string
}

type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	logger     logging.Logger
	usage      UsageRecorder
}

// NewOpenAIClient builds a streaming-capable client for an OpenAI-compatible
// endpoint. usage may be nil.
func NewOpenAIClient(model string, config Config, logger logging.Logger, usage UsageRecorder) ports.StreamingLLMClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	timeout := defaultRequestTimeout
	if config.TimeoutSeconds > 0 {
		timeout = time.Duration(config.TimeoutSeconds) * time.Second
	}
	return &openaiClient{
		model:      model,
		apiKey:     config.APIKey,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		headers:    config.Headers,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrNop(logger),
		usage:      usage,
	}
}

func (c *openaiClient) Model() string { return c.model }

func (c *openaiClient) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	return c.complete(ctx, req, nil)
}

func (c *openaiClient) StreamComplete(ctx context.Context, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	return c.complete(ctx, req, &callbacks)
}

func (c *openaiClient) complete(ctx context.Context, req ports.CompletionRequest, callbacks *ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	started := time.Now()
	response, err := c.doRequest(ctx, req, callbacks)
	if c.usage != nil {
		status := "ok"
		prompt, completion := 0, 0
		if err != nil {
			status = "error"
		} else {
			prompt = response.Usage.PromptTokens
			completion = response.Usage.CompletionTokens
		}
		c.usage.RecordLLMRequest(c.model, status, time.Since(started), prompt, completion)
	}
	return response, err
}

func (c *openaiClient) doRequest(ctx context.Context, req ports.CompletionRequest, callbacks *ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	payload := map[string]any{
		"model":    c.model,
		"messages": convertMessages(req.Messages),
		"stream":   callbacks != nil,
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		payload["tools"] = convertTools(req.Tools)
		payload["tool_choice"] = "auto"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, sharederrors.Wrap(sharederrors.KindAborted, ctx.Err(), "completion request aborted")
		}
		return nil, sharederrors.Wrap(sharederrors.KindTransport, err, "completion request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, sharederrors.Transport("completion request returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if callbacks != nil {
		return c.consumeStream(resp.Body, *callbacks, req)
	}
	return c.consumeResponse(resp.Body, req)
}

// wire types

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiResponse struct {
	Choices []struct {
		Message struct {
			Content          string        `json:"content"`
			ReasoningContent string        `json:"reasoning_content"`
			ToolCalls        []oaiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage oaiUsage `json:"usage"`
}

func (c *openaiClient) consumeResponse(body io.Reader, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	var decoded oaiResponse
	if err := json.NewDecoder(body).Decode(&decoded); err != nil {
		return nil, sharederrors.Wrap(sharederrors.KindTransport, err, "decode completion response")
	}
	if len(decoded.Choices) == 0 {
		return nil, sharederrors.Transport("completion response has no choices")
	}
	choice := decoded.Choices[0]

	response := &ports.CompletionResponse{
		Content:    choice.Message.Content,
		Reasoning:  choice.Message.ReasoningContent,
		ToolCalls:  convertToolCallsBack(choice.Message.ToolCalls),
		StopReason: choice.FinishReason,
		Usage: ports.TokenUsage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		},
	}
	fillEstimatedUsage(response, req)
	return response, nil
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string        `json:"content"`
			ReasoningContent string        `json:"reasoning_content"`
			ToolCalls        []oaiToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage"`
}

// consumeStream assembles the full response from SSE chunks, forwarding
// deltas as they arrive.
func (c *openaiClient) consumeStream(body io.Reader, callbacks ports.CompletionStreamCallbacks, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	var (
		content   strings.Builder
		reasoning strings.Builder
		calls     []oaiToolCall
		stop      string
		usage     oaiUsage
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("Skipping malformed stream chunk: %v", err)
			continue
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			stop = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if callbacks.OnContentDelta != nil {
				callbacks.OnContentDelta(ports.ContentDelta{Delta: choice.Delta.Content})
			}
		}
		if choice.Delta.ReasoningContent != "" {
			reasoning.WriteString(choice.Delta.ReasoningContent)
			if callbacks.OnReasoningDelta != nil {
				callbacks.OnReasoningDelta(ports.ContentDelta{Delta: choice.Delta.ReasoningContent})
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			calls = mergeToolCallDelta(calls, tc)
			if callbacks.OnToolCallDelta != nil {
				callbacks.OnToolCallDelta(ports.ToolCallDelta{
					CallID:   tc.ID,
					ToolName: tc.Function.Name,
					Delta:    tc.Function.Arguments,
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, sharederrors.Wrap(sharederrors.KindTransport, err, "read completion stream")
	}
	if callbacks.OnContentDelta != nil && content.Len() > 0 {
		callbacks.OnContentDelta(ports.ContentDelta{Final: true})
	}

	response := &ports.CompletionResponse{
		Content:    content.String(),
		Reasoning:  reasoning.String(),
		ToolCalls:  convertToolCallsBack(calls),
		StopReason: stop,
		Usage: ports.TokenUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		},
	}
	fillEstimatedUsage(response, req)
	return response, nil
}

// mergeToolCallDelta accumulates streamed tool call fragments by index.
func mergeToolCallDelta(calls []oaiToolCall, delta oaiToolCall) []oaiToolCall {
	idx := len(calls)
	if delta.Index != nil {
		idx = *delta.Index
	}
	for len(calls) <= idx {
		calls = append(calls, oaiToolCall{})
	}
	current := &calls[idx]
	if delta.ID != "" {
		current.ID = delta.ID
	}
	if delta.Function.Name != "" {
		current.Function.Name = delta.Function.Name
	}
	current.Function.Arguments += delta.Function.Arguments
	return calls
}

func convertMessages(messages []ports.Message) []oaiMessage {
	out := make([]oaiMessage, 0, len(messages))
	for _, msg := range messages {
		converted := oaiMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			args := string(tc.RawArguments)
			if args == "" {
				raw, err := json.Marshal(tc.Arguments)
				if err != nil {
					raw = []byte("{}")
				}
				args = string(raw)
			}
			call := oaiToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = args
			converted.ToolCalls = append(converted.ToolCalls, call)
		}
		out = append(out, converted)
	}
	return out
}

func convertTools(tools []ports.ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			},
		})
	}
	return out
}

func convertToolCallsBack(calls []oaiToolCall) []ports.ToolCall {
	out := make([]ports.ToolCall, 0, len(calls))
	for _, call := range calls {
		if call.Function.Name == "" {
			continue
		}
		converted := ports.ToolCall{
			ID:           call.ID,
			Name:         call.Function.Name,
			RawArguments: json.RawMessage(call.Function.Arguments),
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err == nil {
			converted.Arguments = args
		}
		out = append(out, converted)
	}
	return out
}

// fillEstimatedUsage backfills token counts when the provider omits usage.
func fillEstimatedUsage(response *ports.CompletionResponse, req ports.CompletionRequest) {
	if response.Usage.TotalTokens > 0 {
		return
	}
	prompt := 0
	for _, msg := range req.Messages {
		prompt += tokenutil.EstimateFast(msg.Content)
	}
	completion := tokenutil.EstimateFast(response.Content)
	response.Usage = ports.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
