package di

import (
	"context"
	"errors"
	"io"

	"agentflow/internal/agent/loop"
	"agentflow/internal/agent/ports"
	"agentflow/internal/app"
	"agentflow/internal/config"
	"agentflow/internal/flows"
	"agentflow/internal/infra/filestore"
	"agentflow/internal/logging"
	"agentflow/internal/observability"
	"agentflow/internal/sandbox"
	"agentflow/internal/stream"
	"agentflow/internal/tools"
)

// Container holds all application dependencies
type Container struct {
	Config config.Config

	Logger  *observability.Logger
	Metrics *observability.MetricsCollector
	Tracer  *observability.TracerProvider

	Model       ports.LLMClient
	History     ports.HistoryStore
	FileStore   *filestore.Store
	Sandbox     *sandbox.Executor
	Broadcaster *stream.Broadcaster
	Flows       *flows.Registry
	Controller  *loop.Controller
	Predictions *app.Service

	closers []io.Closer
}

// Option adjusts how the container is built.
type Option func(*containerBuilder)

// WithModel replaces the configured OpenAI client.
func WithModel(model ports.LLMClient) Option {
	return func(b *containerBuilder) { b.model = model }
}

// WithInput lets flows ask an operator, for human tools and AutoGPT
// feedback. Servers have no operator and leave it unset.
func WithInput(input tools.InputProvider) Option {
	return func(b *containerBuilder) { b.input = input }
}

// WithFlows replaces the flows file.
func WithFlows(registry *flows.Registry) Option {
	return func(b *containerBuilder) { b.flows = registry }
}

// WithLogOutput redirects the structured log.
func WithLogOutput(w io.Writer) Option {
	return func(b *containerBuilder) { b.logOutput = w }
}

// Cleanup gracefully shuts down all resources
func (c *Container) Cleanup(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Tracer != nil {
		if err := c.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ComponentLogger returns a printf logger for component.
func (c *Container) ComponentLogger(component string) logging.Logger {
	return logging.FromObservabilityWithComponent(c.Logger, component)
}
