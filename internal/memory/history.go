// Package memory holds conversation history stores and the vector memory
// used by long-running agents.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"agentflow/internal/agent/ports"
)

// DefaultMaxSessions bounds the sessions an in-memory history keeps.
const DefaultMaxSessions = 10000

// InMemoryHistory implements ports.HistoryStore for tests and single-process
// deployments. MaxMessages bounds each session, dropping the oldest messages.
// Sessions are evicted least recently used first and expire after the TTL.
type InMemoryHistory struct {
	mu          sync.Mutex
	sessions    *expirable.LRU[string, []ports.Message]
	maxMessages int
}

// HistoryOption tunes an InMemoryHistory.
type HistoryOption func(*historyOptions)

type historyOptions struct {
	maxSessions int
	ttl         time.Duration
}

// WithMaxSessions caps the number of sessions kept.
func WithMaxSessions(n int) HistoryOption {
	return func(o *historyOptions) {
		if n > 0 {
			o.maxSessions = n
		}
	}
}

// WithSessionTTL drops sessions not written to for ttl. Zero never expires.
func WithSessionTTL(ttl time.Duration) HistoryOption {
	return func(o *historyOptions) { o.ttl = ttl }
}

// NewInMemoryHistory constructs an empty history. maxMessages <= 0 keeps
// every message of a session.
func NewInMemoryHistory(maxMessages int, opts ...HistoryOption) *InMemoryHistory {
	o := historyOptions{maxSessions: DefaultMaxSessions}
	for _, opt := range opts {
		opt(&o)
	}
	return &InMemoryHistory{
		sessions:    expirable.NewLRU[string, []ports.Message](o.maxSessions, nil, o.ttl),
		maxMessages: maxMessages,
	}
}

// Load returns a copy of the session's messages in order.
func (h *InMemoryHistory) Load(_ context.Context, sessionID string) ([]ports.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	stored, _ := h.sessions.Get(sessionID)
	if len(stored) == 0 {
		return nil, nil
	}
	out := make([]ports.Message, len(stored))
	copy(out, stored)
	return out, nil
}

// Append adds messages to the end of the session.
func (h *InMemoryHistory) Append(_ context.Context, sessionID string, messages ...ports.Message) error {
	if len(messages) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	stored, _ := h.sessions.Get(sessionID)
	next := make([]ports.Message, 0, len(stored)+len(messages))
	next = append(append(next, stored...), messages...)
	if h.maxMessages > 0 && len(next) > h.maxMessages {
		next = next[len(next)-h.maxMessages:]
	}
	h.sessions.Add(sessionID, next)
	return nil
}

// Len returns the number of live sessions.
func (h *InMemoryHistory) Len() int {
	return h.sessions.Len()
}
