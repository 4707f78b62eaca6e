package llm

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"agentflow/internal/agent/ports"
)

const maxLimitedSessions = 4096

// sessionRateLimitedClient applies a token bucket per chat session around
// model calls. Callers block until the bucket allows the call or ctx ends.
type sessionRateLimitedClient struct {
	base   ports.LLMClient
	limit  rate.Limit
	burst  int
	mu     sync.Mutex
	bucket *lru.Cache[string, *rate.Limiter]
}

// streamingSessionRateLimitedClient keeps streaming support while sharing
// the same buckets.
type streamingSessionRateLimitedClient struct {
	*sessionRateLimitedClient
	streaming ports.StreamingLLMClient
}

// WrapWithRateLimit wraps client when limit is positive. A burst below 1 is
// coerced to 1.
func WrapWithRateLimit(client ports.LLMClient, limit rate.Limit, burst int) ports.LLMClient {
	if limit <= 0 {
		return client
	}
	if burst < 1 {
		burst = 1
	}
	cache, _ := lru.New[string, *rate.Limiter](maxLimitedSessions)
	wrapper := &sessionRateLimitedClient{base: client, limit: limit, burst: burst, bucket: cache}

	if streaming, ok := client.(ports.StreamingLLMClient); ok {
		return streamingSessionRateLimitedClient{sessionRateLimitedClient: wrapper, streaming: streaming}
	}
	return wrapper
}

func (c *sessionRateLimitedClient) Complete(ctx context.Context, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.base.Complete(ctx, req)
}

func (c *sessionRateLimitedClient) Model() string {
	return c.base.Model()
}

func (c *sessionRateLimitedClient) wait(ctx context.Context) error {
	info, _ := ports.RunInfoFromContext(ctx)
	if err := c.limiterFor(info.SessionID).Wait(ctx); err != nil {
		return fmt.Errorf("model rate limit: %w", err)
	}
	return nil
}

func (c *sessionRateLimitedClient) limiterFor(sessionID string) *rate.Limiter {
	key := sessionID
	if key == "" {
		key = "anonymous"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	limiter, ok := c.bucket.Get(key)
	if !ok {
		limiter = rate.NewLimiter(c.limit, c.burst)
		c.bucket.Add(key, limiter)
	}
	return limiter
}

func (c streamingSessionRateLimitedClient) StreamComplete(ctx context.Context, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.streaming.StreamComplete(ctx, req, callbacks)
}
