package ports

import "context"

// ToolExecutor executes a single tool call
type ToolExecutor interface {
	// Execute runs the tool with already validated arguments
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)

	// Definition returns the tool's schema for the model
	Definition() ToolDefinition
}

// ToolCall is one action requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is what a tool hands back to the loop. Content becomes the
// observation; Documents surface as source documents of the run.
type ToolResult struct {
	CallID    string         `json:"call_id"`
	Content   string         `json:"content"`
	Documents []Document     `json:"documents,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ToolDefinition describes a tool to the model. ReturnDirect ends the run
// with the tool's observation as the final answer.
type ToolDefinition struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Parameters   ParameterSchema `json:"parameters"`
	ReturnDirect bool            `json:"-"`
}

// ParameterSchema is the JSON schema object describing tool arguments.
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes one argument.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []any     `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// SingleInputSchema is the schema of tools that take one free-text input.
func SingleInputSchema(description string) ParameterSchema {
	return ParameterSchema{
		Type: "object",
		Properties: map[string]Property{
			"input": {Type: "string", Description: description},
		},
		Required: []string{"input"},
	}
}

// UsedTool records a completed tool call for the client.
type UsedTool struct {
	Tool       string         `json:"tool"`
	ToolInput  map[string]any `json:"toolInput"`
	ToolOutput string         `json:"toolOutput"`
}

// Document is a retrieval result or a memory entry.
type Document struct {
	ID       string            `json:"id,omitempty"`
	Content  string            `json:"pageContent"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float32           `json:"score,omitempty"`
}
