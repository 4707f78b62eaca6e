package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"agentflow/internal/logging"
)

const heartbeatInterval = 30 * time.Second

// SSEHandler writes a chat's events as Server-Sent Events.
type SSEHandler struct {
	broadcaster *Broadcaster
	logger      logging.Logger
	heartbeat   time.Duration
}

// NewSSEHandler creates a handler backed by broadcaster.
func NewSSEHandler(broadcaster *Broadcaster, logger logging.Logger) *SSEHandler {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("SSEHandler")
	}
	return &SSEHandler{broadcaster: broadcaster, logger: logger, heartbeat: heartbeatInterval}
}

// Serve streams events for chatID until the client disconnects or the run
// sends its end event.
func (h *SSEHandler) Serve(w http.ResponseWriter, r *http.Request, chatID string) {
	if chatID == "" {
		http.Error(w, "chatId required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, cancel := h.broadcaster.Subscribe(chatID)
	defer cancel()

	h.logger.Info("SSE connection established for chat: %s", chatID)
	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"chatId\":%q}\n\n", chatID); err != nil {
		h.logger.Error("Failed to send connection message: %v", err)
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case event, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("Failed to serialize event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				h.logger.Warn("SSE client for chat %s went away: %v", chatID, err)
				return
			}
			flusher.Flush()
			if event.Type == EventEnd {
				return
			}

		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			h.logger.Info("SSE connection closed for chat: %s", chatID)
			return
		}
	}
}
