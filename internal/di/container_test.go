package di

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/agent/ports"
	"agentflow/internal/agent/ports/mocks"
	"agentflow/internal/app"
	"agentflow/internal/config"
	"agentflow/internal/flows"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	base := t.TempDir()
	cfg.FileStore.Root = filepath.Join(base, "workspace")
	cfg.VectorStore.Root = base
	cfg.FlowsFile = filepath.Join(base, "flows.yaml")
	cfg.Observability.Metrics.Enabled = false
	return cfg
}

func TestBuildContainerRequiresAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.APIKey = ""
	_, err := BuildContainer(cfg, WithLogOutput(&bytes.Buffer{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.api_key")
}

func TestBuildContainerWiresPredictions(t *testing.T) {
	cfg := testConfig(t)
	id := uuid.NewString()
	body := "flows:\n  - id: " + id + "\n    name: notes\n    strategy: tool_calling\n    tools:\n      - type: write_file\n"
	require.NoError(t, os.WriteFile(cfg.FlowsFile, []byte(body), 0o600))

	model := mocks.ScriptedLLM(
		&ports.CompletionResponse{ToolCalls: []ports.ToolCall{{ID: "w1", Name: "write_file", Arguments: map[string]any{"file_path": "a.txt", "text": "hi"}}}},
		&ports.CompletionResponse{Content: "written"},
	)
	var logs bytes.Buffer
	c, err := BuildContainer(cfg, WithModel(model), WithLogOutput(&logs))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Cleanup(context.Background()) })

	assert.Equal(t, 1, c.Flows.Len())
	resp, err := c.Predictions.Predict(context.Background(), id, app.PredictionRequest{Question: "write hi", ChatID: "chat-1"})
	require.NoError(t, err)
	assert.Equal(t, "written", resp.Text)

	data, err := os.ReadFile(filepath.Join(cfg.FileStore.Root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	history, err := c.History.Load(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	assert.Contains(t, logs.String(), "Container built successfully")
}

func TestBuildContainerMasksAPIKeyInLogs(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.APIKey = "sk-abcdefghijklmnopqrstuvwxyz"
	var logs bytes.Buffer
	c, err := BuildContainer(cfg, WithLogOutput(&logs))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Cleanup(context.Background()) })

	assert.Contains(t, logs.String(), "sk-abcde...wxyz")
	assert.NotContains(t, logs.String(), cfg.LLM.APIKey)
}

func TestBuildContainerWithInjectedFlows(t *testing.T) {
	reg, err := flows.NewRegistry(flows.Flow{ID: uuid.NewString()})
	require.NoError(t, err)
	c, err := BuildContainer(testConfig(t), WithModel(mocks.ScriptedLLM()), WithFlows(reg), WithLogOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	assert.Same(t, reg, c.Flows)
	assert.NotNil(t, c.ComponentLogger("test"))
	assert.NoError(t, c.Cleanup(context.Background()))
}

func TestBuildContainerRejectsBadFlowsFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.FlowsFile, []byte("flows:\n  - id: nope\n"), 0o600))
	_, err := BuildContainer(cfg, WithModel(mocks.ScriptedLLM()), WithLogOutput(&bytes.Buffer{}))
	assert.Error(t, err)
}
