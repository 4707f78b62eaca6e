package tools

import (
	"context"
	"strings"

	"agentflow/internal/agent/ports"
)

// RetrieverTool searches vector memory and returns the matching passages.
// The documents are attached to the result so they surface as source
// documents of the run.
type RetrieverTool struct {
	name        string
	description string
	memory      ports.VectorMemory
	topK        int
}

// NewRetrieverTool creates a retriever over memory. topK <= 0 means 4.
func NewRetrieverTool(name, description string, memory ports.VectorMemory, topK int) *RetrieverTool {
	if name == "" {
		name = "search_documents"
	}
	if description == "" {
		description = "Search stored documents for passages relevant to the input."
	}
	if topK <= 0 {
		topK = 4
	}
	return &RetrieverTool{name: name, description: description, memory: memory, topK: topK}
}

func (t *RetrieverTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters:  ports.SingleInputSchema("search query"),
	}
}

func (t *RetrieverTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	docs, err := t.memory.Search(ctx, StringArg(call.Arguments, "input"), t.topK)
	if err != nil {
		return nil, err
	}
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		parts = append(parts, doc.Content)
	}
	return &ports.ToolResult{
		CallID:    call.ID,
		Content:   strings.Join(parts, "\n\n"),
		Documents: docs,
	}, nil
}
