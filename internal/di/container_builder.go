package di

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentflow/internal/agent/loop"
	"agentflow/internal/agent/ports"
	"agentflow/internal/app"
	"agentflow/internal/config"
	"agentflow/internal/flows"
	"agentflow/internal/infra/filestore"
	"agentflow/internal/llm"
	"agentflow/internal/logging"
	"agentflow/internal/memory"
	"agentflow/internal/moderation"
	"agentflow/internal/observability"
	"agentflow/internal/sandbox"
	"agentflow/internal/stream"
	"agentflow/internal/tools"
)

type containerBuilder struct {
	config    config.Config
	logger    logging.Logger
	model     ports.LLMClient
	input     tools.InputProvider
	flows     *flows.Registry
	logOutput io.Writer
	container *Container
}

// BuildContainer builds the dependency injection container with the given configuration.
func BuildContainer(cfg config.Config, opts ...Option) (*Container, error) {
	b := &containerBuilder{config: cfg}
	for _, opt := range opts {
		opt(b)
	}
	return b.Build()
}

func (b *containerBuilder) Build() (c *Container, err error) {
	c = &Container{Config: b.config}
	b.container = c
	defer func() {
		if err != nil {
			_ = c.Cleanup(context.Background())
		}
	}()

	b.buildObservability()
	b.logger.Debug("Building container with flows_file=%s, file_store=%s", b.config.FlowsFile, b.config.FileStore.Root)

	if c.Metrics, err = observability.NewMetricsCollector(b.config.Observability.Metrics); err != nil {
		return nil, err
	}
	if c.Tracer, err = observability.NewTracerProvider(b.config.Observability.Tracing); err != nil {
		return nil, err
	}
	if c.Model, err = b.buildModel(); err != nil {
		return nil, err
	}
	c.History = b.buildHistory()
	if c.FileStore, err = b.buildFileStore(); err != nil {
		return nil, err
	}
	c.Sandbox = sandbox.New(sandbox.Config{Timeout: b.config.Sandbox.Timeout, Logger: b.component("sandbox")})
	c.Broadcaster = stream.NewBroadcaster(stream.WithLogger(b.component("stream")), stream.WithMetrics(c.Metrics))
	if c.Flows, err = b.buildFlows(); err != nil {
		return nil, err
	}

	c.Controller = loop.NewController(c.Model, b.loopConfig(),
		loop.WithHistory(c.History),
		loop.WithLogger(b.component("agent-loop")),
		loop.WithMetrics(c.Metrics),
	)

	var classifier moderation.Classifier
	if key := b.config.Moderation.OpenAIKey; key != "" {
		classifier = moderation.NewOpenAIClassifier(key, b.config.Moderation.BaseURL)
	}
	c.Predictions, err = app.NewService(app.Config{
		Flows:           c.Flows,
		Controller:      c.Controller,
		Model:           c.Model,
		Classifier:      classifier,
		Broadcaster:     c.Broadcaster,
		Sandbox:         c.Sandbox,
		FileStore:       c.FileStore,
		Memory:          b.memoryFactory(),
		Input:           b.input,
		FlowToolTimeout: b.config.Sandbox.Timeout,
		Logger:          b.component("prediction"),
	})
	if err != nil {
		return nil, err
	}

	b.logger.Info("Container built successfully: %d flows", c.Flows.Len())
	return c, nil
}

func (b *containerBuilder) buildObservability() {
	out := b.logOutput
	if out == nil {
		out = os.Stderr
	}
	level := b.config.Observability.Logging.Level
	if b.config.Debug {
		level = "debug"
	}
	b.container.Logger = observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: b.config.Observability.Logging.Format,
		Output: out,
	})
	b.logger = b.component("DI")
}

func (b *containerBuilder) component(name string) logging.Logger {
	return logging.FromObservabilityWithComponent(b.container.Logger, name)
}

func (b *containerBuilder) buildModel() (ports.LLMClient, error) {
	if b.model != nil {
		return b.model, nil
	}
	cfg := b.config.LLM
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm.api_key is required (set %s_LLM_API_KEY or OPENAI_API_KEY)", config.EnvPrefix)
	}
	b.logger.Info("Using model %s (api key %s)", cfg.Model, observability.SanitizeAPIKey(cfg.APIKey))
	return llm.NewClient(llm.ClientConfig{
		OpenAIConfig: llm.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		},
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	}, b.component("llm"), b.container.Metrics)
}

func (b *containerBuilder) buildHistory() ports.HistoryStore {
	cfg := b.config.History
	if cfg.RedisAddr == "" {
		return memory.NewInMemoryHistory(cfg.MaxMessages,
			memory.WithMaxSessions(cfg.MaxSessions),
			memory.WithSessionTTL(cfg.TTL),
		)
	}
	b.logger.Info("Using redis history at %s", cfg.RedisAddr)
	store := memory.NewRedisHistoryFromAddr(cfg.RedisAddr, cfg.TTL, cfg.MaxMessages)
	b.container.closers = append(b.container.closers, store)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		b.logger.Warn("Redis history at %s is not reachable yet: %v", cfg.RedisAddr, err)
	}
	return store
}

func (b *containerBuilder) buildFileStore() (*filestore.Store, error) {
	cfg := b.config.FileStore
	root := filestore.ResolvePath(cfg.Root, "~/.agentflow/workspace")
	opts := filestore.Options{
		Root:              root,
		MaxFileSize:       cfg.MaxFileSize,
		BlockedExtensions: cfg.BlockedExtensions,
		AllowedExtensions: cfg.AllowedExtensions,
		Logger:            b.component("filestore"),
	}
	if cfg.Unsecure {
		b.logger.Warn("File store boundary disabled; tools may touch any path")
		return filestore.NewUnsecure(opts), nil
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", root, err)
	}
	return filestore.New(opts)
}

func (b *containerBuilder) buildFlows() (*flows.Registry, error) {
	if b.flows != nil {
		return b.flows, nil
	}
	path := filestore.ResolvePath(b.config.FlowsFile, "flows.yaml")
	registry, err := flows.Load(path)
	if err != nil {
		return nil, err
	}
	if registry.Len() == 0 {
		b.logger.Warn("No flows loaded from %s", path)
	}
	return registry, nil
}

func (b *containerBuilder) loopConfig() loop.Config {
	cfg := b.config.Agent
	out := loop.Config{
		MaxIterations:    cfg.MaxIterations,
		ModelCallTimeout: cfg.ModelCallTimeout,
		MaxModelFailures: cfg.MaxModelFailures,
		Debug:            b.config.Debug,
	}
	if cfg.HandleParsingErrors {
		out.HandleParsingErrors = loop.HandleParsingErrors()
	}
	return out
}

// memoryFactory opens one chromem collection per flow. Collections persist
// under the vector store root when configured.
func (b *containerBuilder) memoryFactory() app.MemoryFactory {
	cfg := b.config.VectorStore
	var embedder memory.Embedder = memory.HashEmbedder{}
	if cfg.EmbeddingModel != "" && b.config.LLM.APIKey != "" {
		openaiEmbedder, err := memory.NewOpenAIEmbedder(memory.EmbedderConfig{
			Model:   cfg.EmbeddingModel,
			APIKey:  b.config.LLM.APIKey,
			BaseURL: b.config.LLM.BaseURL,
		})
		if err != nil {
			b.logger.Warn("OpenAI embedder unavailable, using hash embeddings: %v", err)
		} else {
			embedder = openaiEmbedder
		}
	}
	roots := b.config.StorageRoots()
	roots.Base = filestore.ResolvePath(roots.Base, "~/.agentflow")
	return func(collection string) (ports.VectorMemory, error) {
		vc := memory.VectorConfig{Collection: collection, Persist: cfg.Persist, Roots: roots}
		if cfg.Persist {
			vc.PersistPath = filepath.Join(roots.DefaultVectorStorePath(), collection)
		}
		return memory.NewVectorMemory(vc, embedder)
	}
}
