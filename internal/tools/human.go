package tools

import (
	"context"

	"agentflow/internal/agent/ports"
)

// InputProvider asks a human a question and waits for the answer.
type InputProvider interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// InputProviderFunc adapts a function to InputProvider.
type InputProviderFunc func(ctx context.Context, prompt string) (string, error)

func (f InputProviderFunc) Ask(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// HumanTool lets the model ask the operator for guidance.
type HumanTool struct {
	provider InputProvider
}

// NewHumanTool wraps provider.
func NewHumanTool(provider InputProvider) *HumanTool {
	return &HumanTool{provider: provider}
}

func (t *HumanTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "human",
		Description: "Ask a human for guidance when you are stuck or need a decision. The input is the question.",
		Parameters:  ports.SingleInputSchema("question for the human"),
	}
}

func (t *HumanTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	answer, err := t.provider.Ask(ctx, StringArg(call.Arguments, "input"))
	if err != nil {
		return nil, err
	}
	return &ports.ToolResult{CallID: call.ID, Content: answer}, nil
}
