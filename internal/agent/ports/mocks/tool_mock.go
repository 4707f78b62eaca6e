package mocks

import (
	"context"
	"sync/atomic"

	"agentflow/internal/agent/ports"
)

// MockToolExecutor is a tool whose behaviour is supplied by the test.
type MockToolExecutor struct {
	Def         ports.ToolDefinition
	ExecuteFunc func(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error)

	calls atomic.Int64
}

func (m *MockToolExecutor) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	m.calls.Add(1)
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, call)
	}
	return &ports.ToolResult{
		CallID:  call.ID,
		Content: "Mock tool result",
	}, nil
}

func (m *MockToolExecutor) Definition() ports.ToolDefinition {
	if m.Def.Name == "" {
		return ports.ToolDefinition{Name: "mock_tool", Parameters: ports.SingleInputSchema("input")}
	}
	return m.Def
}

// Calls returns how many times Execute ran.
func (m *MockToolExecutor) Calls() int {
	return int(m.calls.Load())
}
