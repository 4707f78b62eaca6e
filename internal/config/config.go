// Package config loads the agentflow server configuration from a YAML file,
// AGENTFLOW_* environment variables and built-in defaults, in that order of
// precedence from lowest to highest: defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"agentflow/internal/observability"
	"agentflow/internal/security/pathguard"
)

// EnvPrefix prefixes every environment override, e.g. AGENTFLOW_LLM_API_KEY.
const EnvPrefix = "AGENTFLOW"

// DefaultFileName is looked up in the working directory and ~/.agentflow.
const DefaultFileName = "agentflow"

// Config is the full server configuration.
type Config struct {
	Debug bool `mapstructure:"debug"`

	Server      ServerConfig      `mapstructure:"server"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Sandbox     SandboxConfig     `mapstructure:"sandbox"`
	FileStore   FileStoreConfig   `mapstructure:"file_store"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Moderation  ModerationConfig  `mapstructure:"moderation"`
	History     HistoryConfig     `mapstructure:"history"`

	FlowsFile     string               `mapstructure:"flows_file"`
	Observability observability.Config `mapstructure:"observability"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type AgentConfig struct {
	MaxIterations       int           `mapstructure:"max_iterations"`
	HandleParsingErrors bool          `mapstructure:"handle_parsing_errors"`
	ModelCallTimeout    time.Duration `mapstructure:"model_call_timeout"`
	MaxModelFailures    int           `mapstructure:"max_model_failures"`
}

type SandboxConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type FileStoreConfig struct {
	Root              string   `mapstructure:"root"`
	MaxFileSize       int64    `mapstructure:"max_file_size"`
	BlockedExtensions []string `mapstructure:"blocked_extensions"`
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	// Unsecure lifts the workspace boundary. Never enable it on a shared host.
	Unsecure bool `mapstructure:"unsecure"`
}

type VectorStoreConfig struct {
	Root string `mapstructure:"root"`
	// OverrideRoot is a second allowed root, usually BLOB_STORAGE_PATH.
	OverrideRoot string `mapstructure:"override_root"`
	Persist      bool   `mapstructure:"persist"`
	// EmbeddingModel selects the OpenAI embedder. Empty uses the local
	// hash embedder.
	EmbeddingModel string `mapstructure:"embedding_model"`
}

type LLMConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type ModerationConfig struct {
	OpenAIKey string `mapstructure:"openai_key"`
	BaseURL   string `mapstructure:"base_url"`
}

type HistoryConfig struct {
	// RedisAddr selects the Redis store; empty keeps history in memory.
	RedisAddr   string        `mapstructure:"redis_addr"`
	TTL         time.Duration `mapstructure:"ttl"`
	MaxMessages int           `mapstructure:"max_messages"`
	// MaxSessions caps the in-memory store only.
	MaxSessions int `mapstructure:"max_sessions"`
}

// Default returns the built-in configuration.
func Default() Config {
	roots := pathguard.DefaultStorageRoots()
	return Config{
		Server: ServerConfig{
			Addr:           ":3000",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   5 * time.Minute,
			AllowedOrigins: []string{"*"},
		},
		Agent: AgentConfig{
			MaxIterations:       15,
			HandleParsingErrors: true,
			ModelCallTimeout:    2 * time.Minute,
			MaxModelFailures:    3,
		},
		Sandbox: SandboxConfig{Timeout: 10 * time.Second},
		FileStore: FileStoreConfig{
			Root:        filepath.Join(roots.Base, "workspace"),
			MaxFileSize: 10 << 20,
		},
		VectorStore: VectorStoreConfig{
			Root:         roots.Base,
			OverrideRoot: roots.Override,
		},
		LLM: LLMConfig{
			Model:   "gpt-4o-mini",
			Timeout: 2 * time.Minute,
			Burst:   1,
		},
		History: HistoryConfig{
			TTL:         24 * time.Hour,
			MaxMessages: 100,
			MaxSessions: 10000,
		},
		FlowsFile:     "flows.yaml",
		Observability: observability.DefaultConfig(),
	}
}

// Load reads the configuration. An explicit path must exist; without one
// agentflow.yaml is looked up in the working directory and ~/.agentflow and
// may be absent.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("vector_store.override_root", EnvPrefix+"_VECTOR_STORE_OVERRIDE_ROOT", pathguard.BlobStorageEnv)
	_ = v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "OPENAI_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".agentflow"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every leaf of def so env overrides apply to keys the
// file does not mention.
func setDefaults(v *viper.Viper, def Config) {
	v.SetDefault("debug", def.Debug)

	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)
	v.SetDefault("server.allowed_origins", def.Server.AllowedOrigins)

	v.SetDefault("agent.max_iterations", def.Agent.MaxIterations)
	v.SetDefault("agent.handle_parsing_errors", def.Agent.HandleParsingErrors)
	v.SetDefault("agent.model_call_timeout", def.Agent.ModelCallTimeout)
	v.SetDefault("agent.max_model_failures", def.Agent.MaxModelFailures)

	v.SetDefault("sandbox.timeout", def.Sandbox.Timeout)

	v.SetDefault("file_store.root", def.FileStore.Root)
	v.SetDefault("file_store.max_file_size", def.FileStore.MaxFileSize)
	v.SetDefault("file_store.blocked_extensions", def.FileStore.BlockedExtensions)
	v.SetDefault("file_store.allowed_extensions", def.FileStore.AllowedExtensions)
	v.SetDefault("file_store.unsecure", def.FileStore.Unsecure)

	v.SetDefault("vector_store.root", def.VectorStore.Root)
	v.SetDefault("vector_store.override_root", def.VectorStore.OverrideRoot)
	v.SetDefault("vector_store.persist", def.VectorStore.Persist)
	v.SetDefault("vector_store.embedding_model", def.VectorStore.EmbeddingModel)

	v.SetDefault("llm.base_url", def.LLM.BaseURL)
	v.SetDefault("llm.api_key", def.LLM.APIKey)
	v.SetDefault("llm.model", def.LLM.Model)
	v.SetDefault("llm.timeout", def.LLM.Timeout)
	v.SetDefault("llm.requests_per_second", def.LLM.RequestsPerSecond)
	v.SetDefault("llm.burst", def.LLM.Burst)

	v.SetDefault("moderation.openai_key", def.Moderation.OpenAIKey)
	v.SetDefault("moderation.base_url", def.Moderation.BaseURL)

	v.SetDefault("history.redis_addr", def.History.RedisAddr)
	v.SetDefault("history.ttl", def.History.TTL)
	v.SetDefault("history.max_messages", def.History.MaxMessages)
	v.SetDefault("history.max_sessions", def.History.MaxSessions)

	v.SetDefault("flows_file", def.FlowsFile)

	obs := def.Observability
	v.SetDefault("observability.logging.level", obs.Logging.Level)
	v.SetDefault("observability.logging.format", obs.Logging.Format)
	v.SetDefault("observability.metrics.enabled", obs.Metrics.Enabled)
	v.SetDefault("observability.metrics.prometheus_port", obs.Metrics.PrometheusPort)
	v.SetDefault("observability.tracing.enabled", obs.Tracing.Enabled)
	v.SetDefault("observability.tracing.exporter", obs.Tracing.Exporter)
	v.SetDefault("observability.tracing.otlp_endpoint", obs.Tracing.OTLPEndpoint)
	v.SetDefault("observability.tracing.zipkin_endpoint", obs.Tracing.ZipkinEndpoint)
	v.SetDefault("observability.tracing.sample_rate", obs.Tracing.SampleRate)
	v.SetDefault("observability.tracing.service_name", obs.Tracing.ServiceName)
	v.SetDefault("observability.tracing.service_version", obs.Tracing.ServiceVersion)
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("config: server.addr is required")
	}
	if c.Agent.MaxIterations < 0 {
		return errors.New("config: agent.max_iterations must not be negative")
	}
	if c.LLM.RequestsPerSecond < 0 {
		return errors.New("config: llm.requests_per_second must not be negative")
	}
	if c.FileStore.MaxFileSize <= 0 {
		return errors.New("config: file_store.max_file_size must be positive")
	}
	if c.LLM.BaseURL != "" {
		if err := pathguard.ValidateBaseURL(c.LLM.BaseURL); err != nil {
			return fmt.Errorf("config: llm.base_url: %w", err)
		}
	}
	return nil
}

// StorageRoots returns the roots vector stores may live under.
func (c Config) StorageRoots() pathguard.StorageRoots {
	return pathguard.StorageRoots{Base: c.VectorStore.Root, Override: c.VectorStore.OverrideRoot}
}
