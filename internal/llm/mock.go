package llm

import (
	"context"
	"sync"

	"seed/internal/agent/ports"
	sharederrors "seed/internal/shared/errors"
)

// MockClient replays scripted responses in order. It backs the "mock"
// provider for offline runs and is the fake of choice in runtime tests.
type MockClient struct {
	mu        sync.Mutex
	model     string
	responses []ports.CompletionResponse
	requests  []ports.CompletionRequest
	next      int
}

// NewMockClient builds a client that returns the given responses in order.
// Once exhausted it keeps returning a plain "done" completion.
func NewMockClient(model string, responses ...ports.CompletionResponse) *MockClient {
	return &MockClient{model: model, responses: responses}
}

func (m *MockClient) Model() string { return m.model }

// Enqueue appends another scripted response.
func (m *MockClient) Enqueue(response ports.CompletionResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, response)
}

// Requests returns a copy of every request seen so far.
func (m *MockClient) Requests() []ports.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ports.CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockClient) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, sharederrors.Wrap(sharederrors.KindAborted, err, "completion aborted")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.next >= len(m.responses) {
		return &ports.CompletionResponse{Content: "done", StopReason: "stop"}, nil
	}
	response := m.responses[m.next]
	m.next++
	return &response, nil
}

// StreamComplete replays the next response as a single content delta.
func (m *MockClient) StreamComplete(ctx context.Context, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	response, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if callbacks.OnContentDelta != nil && response.Content != "" {
		callbacks.OnContentDelta(ports.ContentDelta{Delta: response.Content})
		callbacks.OnContentDelta(ports.ContentDelta{Final: true})
	}
	for _, call := range response.ToolCalls {
		if callbacks.OnToolCallDelta != nil {
			callbacks.OnToolCallDelta(ports.ToolCallDelta{
				CallID:   call.ID,
				ToolName: call.Name,
				Delta:    string(call.RawArguments),
			})
		}
	}
	return response, nil
}
