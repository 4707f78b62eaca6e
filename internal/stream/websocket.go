package stream

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"agentflow/internal/logging"
)

const writeWait = 10 * time.Second

// WebSocketHandler mirrors SSEHandler over a websocket connection. Each
// event is written as one JSON text frame.
type WebSocketHandler struct {
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader
	logger      logging.Logger
}

// NewWebSocketHandler creates a handler. An empty allowedOrigins accepts
// every origin.
func NewWebSocketHandler(broadcaster *Broadcaster, allowedOrigins []string, logger logging.Logger) *WebSocketHandler {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("WebSocketHandler")
	}
	return &WebSocketHandler{
		broadcaster: broadcaster,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, candidate := range allowed {
			if candidate == "*" || strings.EqualFold(candidate, origin) {
				return true
			}
		}
		return false
	}
}

// Serve upgrades the request and forwards events for chatID.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request, chatID string) {
	if chatID == "" {
		http.Error(w, "chatId required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed for chat %s: %v", chatID, err)
		return
	}
	defer conn.Close()

	events, cancel := h.broadcaster.Subscribe(chatID)
	defer cancel()

	// Reading is only used to notice the client closing the socket.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, open := <-events:
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Warn("websocket client for chat %s went away: %v", chatID, err)
				return
			}
			if event.Type == EventEnd {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
