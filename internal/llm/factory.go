package llm

import (
	"golang.org/x/time/rate"

	"agentflow/internal/agent/ports"
	aferrors "agentflow/internal/errors"
	"agentflow/internal/logging"
	"agentflow/internal/observability"
)

// ClientConfig is everything needed to build the model client stack.
type ClientConfig struct {
	OpenAIConfig
	RequestsPerSecond float64
	Burst             int
	Retry             aferrors.RetryConfig
}

// NewClient builds the OpenAI client wrapped in rate limiting and retries.
// Retries sit outside the limiter so every attempt waits for a token.
func NewClient(cfg ClientConfig, logger logging.Logger, metrics *observability.MetricsCollector) (ports.StreamingLLMClient, error) {
	cfg.Logger = logging.OrNop(logger)
	cfg.Metrics = metrics
	base, err := NewOpenAIClient(cfg.OpenAIConfig)
	if err != nil {
		return nil, err
	}
	if cfg.Retry.MaxAttempts == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = aferrors.DefaultRetryConfig()
	}
	limited := WrapWithRateLimit(base, rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	return NewRetryClient(limited, cfg.Retry, logger), nil
}
