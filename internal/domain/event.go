package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Имена событий websocket-протокола
const (
	EventSendMessage     = "sendMessage"
	EventMessageAck      = "messageAck"
	EventReceiveMessage  = "receiveMessage"
	EventGetHistory      = "getHistory"
	EventMessagesHistory = "messagesHistory"
	EventTyping          = "typing"
	EventStopTyping      = "stopTyping"
	EventUserOnline      = "userOnline"
	EventUserOffline     = "userOffline"
	EventMarkAsRead      = "markAsRead"
	EventMessagesRead    = "messagesRead"
	EventWatch           = "watch"
	EventError           = "error"
)

// Event - конверт для всех сообщений поверх websocket-соединения
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEvent(name string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Event: name, Data: data}, nil
}

type SendMessagePayload struct {
	ReceiverID      string     `json:"receiver_id"`
	Content         string     `json:"content"`
	ClientMessageID *uuid.UUID `json:"client_message_id,omitempty"`
}

type GetHistoryPayload struct {
	CounterpartID string `json:"counterpart_id"`
	Cursor        string `json:"cursor,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

type MessagesHistoryPayload struct {
	CounterpartID string     `json:"counterpart_id"`
	Messages      []*Message `json:"messages"`
	NextCursor    string     `json:"next_cursor,omitempty"`
}

type TypingPayload struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

type PresencePayload struct {
	UserID string `json:"user_id"`
}

type MarkAsReadPayload struct {
	CounterpartID string `json:"counterpart_id"`
}

type MessagesReadPayload struct {
	ReaderID string `json:"reader_id"`
}

type WatchPayload struct {
	CounterpartID string `json:"counterpart_id"`
}

type ErrorPayload struct {
	Message         string     `json:"message"`
	Retryable       bool       `json:"retryable"`
	ClientMessageID *uuid.UUID `json:"client_message_id,omitempty"`
}
