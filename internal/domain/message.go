package domain

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message - единица переписки между двумя пользователями.
// После записи в хранилище изменяются только флаги Delivered и Read,
// причем строго в одну сторону (false -> true).
type Message struct {
	ID              uuid.UUID  `json:"id"`
	SenderID        string     `json:"sender_id"`
	ReceiverID      string     `json:"receiver_id"`
	Content         string     `json:"content"`
	SentAt          time.Time  `json:"sent_at"`
	Delivered       bool       `json:"delivered"`
	Read            bool       `json:"read"`
	ClientMessageID *uuid.UUID `json:"client_message_id,omitempty"`
}

// ConversationKey - нормализованная неупорядоченная пара участников
type ConversationKey struct {
	A string
	B string
}

func NewConversationKey(x, y string) ConversationKey {
	if x > y {
		x, y = y, x
	}
	return ConversationKey{A: x, B: y}
}

func (k ConversationKey) String() string {
	return k.A + ":" + k.B
}

// ConversationPreview - элемент списка диалогов пользователя
type ConversationPreview struct {
	ConversationID string    `json:"conversation_id"`
	CounterpartID  string    `json:"counterpart_id"`
	LastMessage    *Message  `json:"last_message,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	UnreadCount    int64     `json:"unread_count"`
}

// Cursor кодирует позицию (sent_at, id) для keyset-пагинации истории
type Cursor struct {
	SentAt time.Time
	ID     uuid.UUID
}

func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%d:%s", c.SentAt.UnixMicro(), c.ID.String())
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}

	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}

	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor timestamp: %w", err)
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid cursor id: %w", err)
	}

	return &Cursor{SentAt: time.UnixMicro(micros), ID: id}, nil
}

// Before задает полный порядок сообщений внутри диалога:
// по sent_at, при равенстве - по id
func (m *Message) Before(other *Message) bool {
	if !m.SentAt.Equal(other.SentAt) {
		return m.SentAt.Before(other.SentAt)
	}
	return m.ID.String() < other.ID.String()
}
