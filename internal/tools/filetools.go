package tools

import (
	"context"
	"fmt"

	"agentflow/internal/agent/ports"
	aferrors "agentflow/internal/errors"
	"agentflow/internal/infra/filestore"
)

// ReadFileTool reads a workspace file.
type ReadFileTool struct {
	store *filestore.Store
}

// NewReadFileTool wraps store.
func NewReadFileTool(store *filestore.Store) *ReadFileTool {
	return &ReadFileTool{store: store}
}

func (t *ReadFileTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"file_path": {Type: "string", Description: "path of the file, relative to the workspace"},
			},
			Required: []string{"file_path"},
		},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path := StringArg(call.Arguments, "file_path")
	data, err := t.store.ReadFile(ctx, path)
	if err != nil {
		return nil, fileToolError("read_file", err)
	}
	return &ports.ToolResult{CallID: call.ID, Content: string(data)}, nil
}

// WriteFileTool writes a workspace file.
type WriteFileTool struct {
	store *filestore.Store
}

// NewWriteFileTool wraps store.
func NewWriteFileTool(store *filestore.Store) *WriteFileTool {
	return &WriteFileTool{store: store}
}

func (t *WriteFileTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "write_file",
		Description: "Write text to a file in the workspace, replacing it if it exists.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"file_path": {Type: "string", Description: "path of the file, relative to the workspace"},
				"text":      {Type: "string", Description: "content to write"},
			},
			Required: []string{"file_path", "text"},
		},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path := StringArg(call.Arguments, "file_path")
	if err := t.store.WriteFile(ctx, path, []byte(StringArg(call.Arguments, "text"))); err != nil {
		return nil, fileToolError("write_file", err)
	}
	return &ports.ToolResult{CallID: call.ID, Content: "File written successfully to " + path + "."}, nil
}

// fileToolError keeps the store's message as the detail. A rejected path or
// extension is an execution failure so the model sees why and can pick
// another path; input errors are reserved for schema mismatches.
func fileToolError(tool string, err error) error {
	return &aferrors.ToolError{Tool: tool, Kind: aferrors.ToolErrorExecution, Detail: fmt.Sprint(err), Err: err}
}
