package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/security/pathguard"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
debug: true
server:
  addr: ":8080"
  allowed_origins: ["https://app.example.com"]
agent:
  max_iterations: 4
  handle_parsing_errors: false
  model_call_timeout: 30s
llm:
  model: gpt-4o
  requests_per_second: 2.5
history:
  redis_addr: localhost:6379
observability:
  tracing:
    enabled: true
    exporter: zipkin
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 4, cfg.Agent.MaxIterations)
	assert.False(t, cfg.Agent.HandleParsingErrors)
	assert.Equal(t, 30*time.Second, cfg.Agent.ModelCallTimeout)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 2.5, cfg.LLM.RequestsPerSecond)
	assert.Equal(t, "localhost:6379", cfg.History.RedisAddr)
	assert.True(t, cfg.Observability.Tracing.Enabled)
	assert.Equal(t, "zipkin", cfg.Observability.Tracing.Exporter)

	// untouched keys keep their defaults
	def := Default()
	assert.Equal(t, def.Server.ReadTimeout, cfg.Server.ReadTimeout)
	assert.Equal(t, def.Sandbox.Timeout, cfg.Sandbox.Timeout)
	assert.Equal(t, def.FlowsFile, cfg.FlowsFile)
	assert.Equal(t, def.Observability.Tracing.ServiceName, cfg.Observability.Tracing.ServiceName)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "llm:\n  model: from-file\n")
	t.Setenv("AGENTFLOW_LLM_MODEL", "from-env")
	t.Setenv("AGENTFLOW_AGENT_MAX_ITERATIONS", "9")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	blob := t.TempDir()
	t.Setenv(pathguard.BlobStorageEnv, blob)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.LLM.Model)
	assert.Equal(t, 9, cfg.Agent.MaxIterations)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, blob, cfg.VectorStore.OverrideRoot)
	assert.Equal(t, blob, cfg.StorageRoots().Override)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Addr, cfg.Server.Addr)
	assert.Equal(t, Default().Agent.MaxIterations, cfg.Agent.MaxIterations)
	assert.True(t, cfg.Agent.HandleParsingErrors)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [not, a, map"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "agent:\n  max_iterations: -1\n"))
	assert.ErrorContains(t, err, "max_iterations")

	_, err = Load(writeConfig(t, "llm:\n  base_url: ftp://example.com\n"))
	assert.ErrorContains(t, err, "base_url")
}
