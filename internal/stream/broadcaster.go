package stream

import (
	"context"
	"sync"
	"time"

	"agentflow/internal/agent/ports"
	"agentflow/internal/logging"
	"agentflow/internal/observability"
)

// DefaultClientBuffer is the channel size handed to each subscriber.
const DefaultClientBuffer = 100

// Broadcaster fans emitted events out to the subscribers of a chat id. Sends
// never block: a subscriber whose buffer is full loses the event, except for
// end events which displace the oldest buffered event.
type Broadcaster struct {
	clients map[string][]chan Event
	mu      sync.RWMutex
	logger  logging.Logger
	metrics *observability.MetricsCollector
	stats   broadcasterStats
}

type broadcasterStats struct {
	mu      sync.Mutex
	sent    int64
	dropped int64
}

// Stats is a snapshot of broadcaster counters.
type Stats struct {
	Sent          int64
	Dropped       int64
	ActiveClients int
}

// BroadcasterOption customizes a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithLogger sets the broadcaster logger.
func WithLogger(logger logging.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.logger = logging.OrNop(logger) }
}

// WithMetrics records dropped events.
func WithMetrics(m *observability.MetricsCollector) BroadcasterOption {
	return func(b *Broadcaster) { b.metrics = m }
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		clients: make(map[string][]chan Event),
		logger:  logging.NewComponentLogger("StreamBroadcaster"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new client for chatID. The returned cancel function
// unregisters it and closes the channel.
func (b *Broadcaster) Subscribe(chatID string) (<-chan Event, func()) {
	ch := make(chan Event, DefaultClientBuffer)

	b.mu.Lock()
	b.clients[chatID] = append(b.clients[chatID], ch)
	count := len(b.clients[chatID])
	b.mu.Unlock()
	b.logger.Info("Client registered for chat %s (total: %d)", chatID, count)

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(chatID, ch) })
	}
}

func (b *Broadcaster) unsubscribe(chatID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := b.clients[chatID]
	for i, client := range clients {
		if client != ch {
			continue
		}
		b.clients[chatID] = append(clients[:i], clients[i+1:]...)
		close(ch)
		if len(b.clients[chatID]) == 0 {
			delete(b.clients, chatID)
		}
		b.logger.Info("Client unregistered from chat %s (remaining: %d)", chatID, len(b.clients[chatID]))
		return
	}
}

// ClientCount returns the number of subscribers for chatID.
func (b *Broadcaster) ClientCount(chatID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[chatID])
}

// Stats returns delivery counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	active := 0
	for _, clients := range b.clients {
		active += len(clients)
	}
	b.mu.RUnlock()

	b.stats.mu.Lock()
	defer b.stats.mu.Unlock()
	return Stats{Sent: b.stats.sent, Dropped: b.stats.dropped, ActiveClients: active}
}

func (b *Broadcaster) Start(chatID, firstToken string) {
	b.publish(Event{Type: EventStart, ChatID: chatID, Data: firstToken})
}

func (b *Broadcaster) Token(chatID, token string) {
	b.publish(Event{Type: EventToken, ChatID: chatID, Data: token})
}

func (b *Broadcaster) End(chatID string) {
	b.publish(Event{Type: EventEnd, ChatID: chatID, Data: "[DONE]"})
}

func (b *Broadcaster) SourceDocuments(chatID string, docs []ports.Document) {
	b.publish(Event{Type: EventSourceDocuments, ChatID: chatID, Data: docs})
}

func (b *Broadcaster) UsedTools(chatID string, tools []ports.UsedTool) {
	b.publish(Event{Type: EventUsedTools, ChatID: chatID, Data: tools})
}

func (b *Broadcaster) publish(event Event) {
	if event.ChatID == "" {
		return
	}
	event.Timestamp = time.Now()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for i, ch := range b.clients[event.ChatID] {
		select {
		case ch <- event:
			b.countSent()
		default:
			if event.Type == EventEnd && b.displaceOldest(ch, event) {
				b.countSent()
				continue
			}
			b.logger.Warn("Client buffer full for chat %s, dropping %s event (client %d)", event.ChatID, event.Type, i+1)
			b.countDropped(event.Type)
		}
	}
}

// displaceOldest makes room for a terminal event so a slow client still
// learns that the stream is over.
func (b *Broadcaster) displaceOldest(ch chan Event, event Event) bool {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- event:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) countSent() {
	b.stats.mu.Lock()
	b.stats.sent++
	b.stats.mu.Unlock()
}

func (b *Broadcaster) countDropped(eventType EventType) {
	b.stats.mu.Lock()
	b.stats.dropped++
	b.stats.mu.Unlock()
	b.metrics.RecordStreamDrop(context.Background(), string(eventType))
}
