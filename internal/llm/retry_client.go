package llm

import (
	"context"
	"time"

	"agentflow/internal/agent/ports"
	aferrors "agentflow/internal/errors"
	"agentflow/internal/logging"
)

// retryClient wraps a model client with retry logic.
type retryClient struct {
	underlying  ports.LLMClient
	retryConfig aferrors.RetryConfig
	logger      logging.Logger
}

var _ ports.StreamingLLMClient = (*retryClient)(nil)

// NewRetryClient retries transient failures of client with exponential
// backoff.
func NewRetryClient(client ports.LLMClient, retryConfig aferrors.RetryConfig, logger logging.Logger) ports.StreamingLLMClient {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("llm-retry")
	}
	return &retryClient{underlying: client, retryConfig: retryConfig, logger: logger}
}

func (c *retryClient) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	start := time.Now()
	resp, err := aferrors.RetryWithResultAndLog(ctx, c.retryConfig, func(ctx context.Context) (*ports.CompletionResponse, error) {
		return c.underlying.Complete(ctx, req)
	}, c.logger)
	if err != nil {
		c.logger.Warn("model request failed after retries (took %v): %v", time.Since(start), err)
		return nil, err
	}
	return resp, nil
}

func (c *retryClient) Model() string { return c.underlying.Model() }

// StreamComplete is not retried once deltas may have been delivered. A
// client without native streaming falls back to Complete and replays the
// whole answer as one delta.
func (c *retryClient) StreamComplete(ctx context.Context, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	streaming, ok := c.underlying.(ports.StreamingLLMClient)
	if !ok {
		resp, err := c.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if callbacks.OnContentDelta != nil {
			if resp.Content != "" {
				callbacks.OnContentDelta(ports.ContentDelta{Delta: resp.Content})
			}
			callbacks.OnContentDelta(ports.ContentDelta{Final: true})
		}
		return resp, nil
	}

	resp, err := streaming.StreamComplete(ctx, req, callbacks)
	if err != nil {
		c.logger.Warn("model streaming request failed: %v", err)
		return nil, err
	}
	return resp, nil
}
