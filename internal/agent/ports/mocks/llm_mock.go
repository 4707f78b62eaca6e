package mocks

import (
	"context"
	"sync"

	"agentflow/internal/agent/ports"
)

// MockLLMClient answers completions through CompleteFunc and records every
// request it receives.
type MockLLMClient struct {
	CompleteFunc func(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error)
	ModelFunc    func() string

	mu       sync.Mutex
	requests []ports.CompletionRequest
}

func (m *MockLLMClient) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &ports.CompletionResponse{
		Content:    "Mock response",
		StopReason: "stop",
		Usage:      ports.TokenUsage{TotalTokens: 100},
	}, nil
}

func (m *MockLLMClient) Model() string {
	if m.ModelFunc != nil {
		return m.ModelFunc()
	}
	return "mock-model"
}

// Calls returns how many completions were requested.
func (m *MockLLMClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of the recorded requests.
func (m *MockLLMClient) Requests() []ports.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ports.CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// ScriptedLLM returns a client that replays responses in order and repeats
// the last one once the script runs out.
func ScriptedLLM(responses ...*ports.CompletionResponse) *MockLLMClient {
	var (
		mu  sync.Mutex
		idx int
	)
	return &MockLLMClient{
		CompleteFunc: func(context.Context, ports.CompletionRequest) (*ports.CompletionResponse, error) {
			mu.Lock()
			defer mu.Unlock()
			if len(responses) == 0 {
				return &ports.CompletionResponse{}, nil
			}
			resp := responses[idx]
			if idx < len(responses)-1 {
				idx++
			}
			copied := *resp
			return &copied, nil
		},
	}
}
