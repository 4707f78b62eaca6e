package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agentflow/internal/agent/ports"
	aferrors "agentflow/internal/errors"
)

const historyKeyPrefix = "agentflow:history:"

// RedisHistory stores each session as a Redis list of JSON messages.
// Reads retry on transient connection errors; appends do not, since a
// replayed push would duplicate messages.
type RedisHistory struct {
	client      redis.UniversalClient
	ttl         time.Duration
	maxMessages int64
	retry       aferrors.RetryConfig
}

func redisRetryConfig() aferrors.RetryConfig {
	return aferrors.RetryConfig{
		MaxAttempts:  2,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     time.Second,
		JitterFactor: 0.25,
	}
}

// NewRedisHistory wraps client. A zero ttl keeps sessions forever; a
// maxMessages <= 0 keeps every message.
func NewRedisHistory(client redis.UniversalClient, ttl time.Duration, maxMessages int) *RedisHistory {
	return &RedisHistory{client: client, ttl: ttl, maxMessages: int64(maxMessages), retry: redisRetryConfig()}
}

// NewRedisHistoryFromAddr connects to a single Redis node.
func NewRedisHistoryFromAddr(addr string, ttl time.Duration, maxMessages int) *RedisHistory {
	return NewRedisHistory(redis.NewClient(&redis.Options{Addr: addr}), ttl, maxMessages)
}

func historyKey(sessionID string) string {
	return historyKeyPrefix + sessionID
}

// Load returns the session's messages in order.
func (h *RedisHistory) Load(ctx context.Context, sessionID string) ([]ports.Message, error) {
	raw, err := aferrors.RetryWithResult(ctx, h.retry, func(ctx context.Context) ([]string, error) {
		return h.client.LRange(ctx, historyKey(sessionID), 0, -1).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", sessionID, err)
	}
	messages := make([]ports.Message, 0, len(raw))
	for _, item := range raw {
		var msg ports.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode history %s: %w", sessionID, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Append pushes messages, trims the list and refreshes its expiry in one
// transaction.
func (h *RedisHistory) Append(ctx context.Context, sessionID string, messages ...ports.Message) error {
	if len(messages) == 0 {
		return nil
	}
	values := make([]any, 0, len(messages))
	for _, msg := range messages {
		encoded, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode history message: %w", err)
		}
		values = append(values, encoded)
	}

	key := historyKey(sessionID)
	pipe := h.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if h.maxMessages > 0 {
		pipe.LTrim(ctx, key, -h.maxMessages, -1)
	}
	if h.ttl > 0 {
		pipe.Expire(ctx, key, h.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history %s: %w", sessionID, err)
	}
	return nil
}

// Ping checks the server is reachable.
func (h *RedisHistory) Ping(ctx context.Context) error {
	return aferrors.Retry(ctx, h.retry, func(ctx context.Context) error {
		return h.client.Ping(ctx).Err()
	})
}

// Close releases the client.
func (h *RedisHistory) Close() error {
	return h.client.Close()
}
