package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketplace_chat/internal/domain"
	"marketplace_chat/internal/service"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/logger"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // В продакшене нужно проверять origin
	},
}

// wsConn адаптирует gorilla-соединение к service.Conn.
// Мьютекс нужен, потому что в соединение пишут и writePump хаба,
// и прямые ответы read-цикла (ack, история)
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteEvent(event domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(event)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

type WebSocketHandler struct {
	connections service.ConnectionManager
	presence    service.PresenceTracker
	messages    service.MessageService
	typing      service.TypingService
	log         logger.Logger
}

func NewWebSocketHandler(services *service.Services, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		connections: services.Connections,
		presence:    services.Presence,
		messages:    services.Message,
		typing:      services.Typing,
		log:         log,
	}
}

// HandleChat поднимает websocket-соединение и гоняет read-цикл.
// Регистрация/снятие соединения гарантированы на любом пути выхода
func (h *WebSocketHandler) HandleChat(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id is required"})
		return
	}

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	conn := &wsConn{conn: raw}
	h.connections.Register(conn, userID)
	defer h.connections.Unregister(conn)

	for {
		var event domain.Event
		if err := raw.ReadJSON(&event); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("Connection closed unexpectedly", "user", userID, "error", err)
			}
			return
		}

		h.dispatch(c, conn, userID, event)
	}
}

func (h *WebSocketHandler) dispatch(c *gin.Context, conn *wsConn, userID string, event domain.Event) {
	switch event.Event {
	case domain.EventSendMessage:
		h.handleSendMessage(c, conn, userID, event.Data)
	case domain.EventGetHistory:
		h.handleGetHistory(c, conn, userID, event.Data)
	case domain.EventTyping:
		h.handleTyping(userID, event.Data, true)
	case domain.EventStopTyping:
		h.handleTyping(userID, event.Data, false)
	case domain.EventMarkAsRead:
		h.handleMarkAsRead(c, userID, event.Data)
	case domain.EventWatch:
		h.handleWatch(conn, userID, event.Data)
	default:
		h.log.Warn("Unknown event", "user", userID, "event", event.Event)
	}
}

func (h *WebSocketHandler) handleSendMessage(c *gin.Context, conn *wsConn, userID string, data json.RawMessage) {
	var payload domain.SendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.writeError(conn, apperrors.ErrValidation, nil)
		return
	}

	message, err := h.messages.SendMessage(
		c.Request.Context(), userID, payload.ReceiverID, payload.Content, payload.ClientMessageID,
	)
	if err != nil {
		h.writeError(conn, err, payload.ClientMessageID)
		return
	}

	// Подтверждение уходит именно в то соединение, откуда пришла отправка
	ack, err := domain.NewEvent(domain.EventMessageAck, message)
	if err != nil {
		h.log.Error("Failed to encode ack", "error", err)
		return
	}
	if err := conn.WriteEvent(ack); err != nil {
		h.log.Warn("Failed to write ack", "user", userID, "error", err)
	}
}

func (h *WebSocketHandler) handleGetHistory(c *gin.Context, conn *wsConn, userID string, data json.RawMessage) {
	var payload domain.GetHistoryPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.writeError(conn, apperrors.ErrValidation, nil)
		return
	}

	messages, nextCursor, err := h.messages.History(
		c.Request.Context(), userID, payload.CounterpartID, payload.Cursor, payload.Limit,
	)
	if err != nil {
		h.writeError(conn, err, nil)
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}

	event, err := domain.NewEvent(domain.EventMessagesHistory, domain.MessagesHistoryPayload{
		CounterpartID: payload.CounterpartID,
		Messages:      messages,
		NextCursor:    nextCursor,
	})
	if err != nil {
		h.log.Error("Failed to encode history", "error", err)
		return
	}
	if err := conn.WriteEvent(event); err != nil {
		h.log.Warn("Failed to write history", "user", userID, "error", err)
	}
}

func (h *WebSocketHandler) handleTyping(userID string, data json.RawMessage, isTyping bool) {
	var payload domain.TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	h.typing.SetTyping(userID, payload.To, isTyping)
}

func (h *WebSocketHandler) handleMarkAsRead(c *gin.Context, userID string, data json.RawMessage) {
	var payload domain.MarkAsReadPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	if err := h.messages.MarkRead(c.Request.Context(), userID, payload.CounterpartID); err != nil {
		h.log.Warn("Failed to mark as read", "user", userID, "error", err)
	}
}

// handleWatch переключает наблюдаемого собеседника и сразу сообщает
// его текущее presence-состояние, чтобы клиент не ждал перехода
func (h *WebSocketHandler) handleWatch(conn *wsConn, userID string, data json.RawMessage) {
	var payload domain.WatchPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	h.connections.Watch(conn, payload.CounterpartID)

	name := domain.EventUserOffline
	if h.presence.IsOnline(payload.CounterpartID) {
		name = domain.EventUserOnline
	}
	event, err := domain.NewEvent(name, domain.PresencePayload{UserID: payload.CounterpartID})
	if err != nil {
		return
	}
	if err := conn.WriteEvent(event); err != nil {
		h.log.Warn("Failed to write presence snapshot", "user", userID, "error", err)
	}
}

func (h *WebSocketHandler) writeError(conn *wsConn, cause error, clientMessageID *uuid.UUID) {
	event, err := domain.NewEvent(domain.EventError, domain.ErrorPayload{
		Message:         cause.Error(),
		Retryable:       apperrors.IsRetryable(cause),
		ClientMessageID: clientMessageID,
	})
	if err != nil {
		return
	}
	_ = conn.WriteEvent(event)
}
