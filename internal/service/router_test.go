package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace_chat/internal/config"
	"marketplace_chat/internal/domain"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/logger"
)

// memMessageRepo - хранилище в памяти с теми же контрактами, что и
// PostgreSQL-реализация: идемпотентность по id и client_message_id,
// монотонный sent_at внутри диалога, инъекция сбоев
type memMessageRepo struct {
	mu       sync.Mutex
	messages []*domain.Message
	failures int
}

func (r *memMessageRepo) Append(_ context.Context, message *domain.Message) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failures > 0 {
		r.failures--
		return nil, apperrors.ErrStorage
	}

	if strings.TrimSpace(message.Content) == "" {
		return nil, apperrors.ErrEmptyContent
	}
	if message.SenderID == message.ReceiverID {
		return nil, apperrors.ErrSelfMessaging
	}

	key := domain.NewConversationKey(message.SenderID, message.ReceiverID)
	var lastSentAt time.Time
	for _, m := range r.messages {
		if m.ID == message.ID {
			return m, nil
		}
		if message.ClientMessageID != nil && m.ClientMessageID != nil &&
			m.SenderID == message.SenderID && *m.ClientMessageID == *message.ClientMessageID {
			return m, nil
		}
		if domain.NewConversationKey(m.SenderID, m.ReceiverID) == key && m.SentAt.After(lastSentAt) {
			lastSentAt = m.SentAt
		}
	}

	sentAt := time.Now()
	if sentAt.Before(lastSentAt) {
		sentAt = lastSentAt
	}

	stored := &domain.Message{
		ID:              message.ID,
		SenderID:        message.SenderID,
		ReceiverID:      message.ReceiverID,
		Content:         message.Content,
		SentAt:          sentAt,
		ClientMessageID: message.ClientMessageID,
	}
	r.messages = append(r.messages, stored)
	return stored, nil
}

func (r *memMessageRepo) History(_ context.Context, partyA, partyB string, cursor *domain.Cursor, limit int) ([]*domain.Message, *domain.Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := domain.NewConversationKey(partyA, partyB)
	var out []*domain.Message
	for _, m := range r.messages {
		if domain.NewConversationKey(m.SenderID, m.ReceiverID) != key {
			continue
		}
		if cursor != nil {
			after := m.SentAt.After(cursor.SentAt) ||
				(m.SentAt.Equal(cursor.SentAt) && m.ID.String() > cursor.ID.String())
			if !after {
				continue
			}
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })

	if len(out) > limit {
		out = out[:limit]
	}

	var next *domain.Cursor
	if len(out) == limit && limit > 0 {
		last := out[len(out)-1]
		next = &domain.Cursor{SentAt: last.SentAt, ID: last.ID}
	}
	return out, next, nil
}

func (r *memMessageRepo) MarkDelivered(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.messages {
		if m.ID == id {
			m.Delivered = true
		}
	}
	return nil
}

func (r *memMessageRepo) MarkRead(_ context.Context, selfID, counterpartID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, m := range r.messages {
		if m.SenderID == counterpartID && m.ReceiverID == selfID && !m.Read {
			m.Read = true
			m.Delivered = true
			n++
		}
	}
	return n, nil
}

func (r *memMessageRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

type memConversationRepo struct {
	mu      sync.Mutex
	unread  map[string]int64
	touched []string
}

func newMemConversationRepo() *memConversationRepo {
	return &memConversationRepo{unread: make(map[string]int64)}
}

func (r *memConversationRepo) ListConversations(_ context.Context, _ string) ([]*domain.ConversationPreview, error) {
	return nil, nil
}

func (r *memConversationRepo) IncrementUnread(_ context.Context, userID, counterpartID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unread[userID+":"+counterpartID]++
	return nil
}

func (r *memConversationRepo) ResetUnread(_ context.Context, userID, counterpartID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unread, userID+":"+counterpartID)
	return nil
}

func (r *memConversationRepo) UnreadCount(_ context.Context, userID, counterpartID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread[userID+":"+counterpartID], nil
}

// recordingHub фиксирует fan-out, имитируя заданное число соединений
type recordingHub struct {
	mu    sync.Mutex
	conns map[string]int
	sent  []recordedSend
}

type recordedSend struct {
	userID  string
	watched string
	event   domain.Event
}

func newRecordingHub() *recordingHub {
	return &recordingHub{conns: make(map[string]int)}
}

func (h *recordingHub) Register(_ Conn, _ string) {}
func (h *recordingHub) Unregister(_ Conn)         {}
func (h *recordingHub) Watch(_ Conn, _ string)    {}

func (h *recordingHub) Send(userID string, event domain.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, recordedSend{userID: userID, event: event})
	return h.conns[userID]
}

func (h *recordingHub) SendScoped(userID, watchedID string, event domain.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, recordedSend{userID: userID, watched: watchedID, event: event})
	return h.conns[userID]
}

func (h *recordingHub) sends(name string) []recordedSend {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []recordedSend
	for _, s := range h.sent {
		if s.event.Event == name {
			out = append(out, s)
		}
	}
	return out
}

func newRouterForTest(repo *memMessageRepo, convRepo *memConversationRepo, hub *recordingHub) MessageService {
	cfg := config.ChatConfig{
		HistoryPageSize:  50,
		MaxHistoryPage:   100,
		SendTimeout:      2 * time.Second,
		AppendMaxRetries: 3,
	}
	return NewMessageService(repo, convRepo, hub, cfg, logger.New("error"))
}

func TestMessageService_Validation(t *testing.T) {
	router := newRouterForTest(&memMessageRepo{}, newMemConversationRepo(), newRecordingHub())

	tests := []struct {
		name     string
		sender   string
		receiver string
		content  string
		wantErr  error
	}{
		{name: "empty content", sender: "a", receiver: "b", content: "   ", wantErr: apperrors.ErrEmptyContent},
		{name: "self messaging", sender: "a", receiver: "a", content: "hi", wantErr: apperrors.ErrSelfMessaging},
		{name: "blank sender", sender: " ", receiver: "b", content: "hi", wantErr: apperrors.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.SendMessage(context.Background(), tt.sender, tt.receiver, tt.content, nil)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMessageService_AckAndDeliveryToOnlineReceiver(t *testing.T) {
	repo := &memMessageRepo{}
	hub := newRecordingHub()
	hub.conns["bob"] = 1
	router := newRouterForTest(repo, newMemConversationRepo(), hub)

	message, err := router.SendMessage(context.Background(), "alice", "bob", "hola", nil)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, message.ID)
	assert.False(t, message.SentAt.IsZero())
	assert.True(t, message.Delivered)

	delivered := hub.sends(domain.EventReceiveMessage)
	require.Len(t, delivered, 1)
	assert.Equal(t, "bob", delivered[0].userID)

	var received domain.Message
	require.NoError(t, json.Unmarshal(delivered[0].event.Data, &received))
	assert.Equal(t, message.ID, received.ID)
}

func TestMessageService_OfflineReceiverStillGetsAck(t *testing.T) {
	repo := &memMessageRepo{}
	hub := newRecordingHub() // у bob ноль соединений
	router := newRouterForTest(repo, newMemConversationRepo(), hub)

	message, err := router.SendMessage(context.Background(), "alice", "bob", "hola", nil)
	require.NoError(t, err)
	assert.False(t, message.Delivered)

	// Сообщение доступно через историю при следующем подключении
	messages, _, err := router.History(context.Background(), "bob", "alice", "", 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, message.ID, messages[0].ID)
}

func TestMessageService_IdempotentRetry(t *testing.T) {
	repo := &memMessageRepo{}
	hub := newRecordingHub()
	hub.conns["bob"] = 1
	router := newRouterForTest(repo, newMemConversationRepo(), hub)

	clientID := uuid.New()
	first, err := router.SendMessage(context.Background(), "alice", "bob", "hola", &clientID)
	require.NoError(t, err)

	second, err := router.SendMessage(context.Background(), "alice", "bob", "hola", &clientID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, repo.messages, 1)

	// Fan-out не повторяется при идемпотентном повторе
	assert.Len(t, hub.sends(domain.EventReceiveMessage), 1)
}

func TestMessageService_RetriesTransientStorageFailure(t *testing.T) {
	repo := &memMessageRepo{failures: 1}
	router := newRouterForTest(repo, newMemConversationRepo(), newRecordingHub())

	message, err := router.SendMessage(context.Background(), "alice", "bob", "hola", nil)
	require.NoError(t, err)
	assert.Len(t, repo.messages, 1)
	assert.Equal(t, "hola", message.Content)
}

func TestMessageService_ExhaustedRetriesSurfaceFatalError(t *testing.T) {
	repo := &memMessageRepo{failures: 100}
	hub := newRecordingHub()
	hub.conns["bob"] = 1

	cfg := config.ChatConfig{
		HistoryPageSize:  50,
		MaxHistoryPage:   100,
		SendTimeout:      200 * time.Millisecond,
		AppendMaxRetries: 2,
	}
	router := NewMessageService(repo, newMemConversationRepo(), hub, cfg, logger.New("error"))

	_, err := router.SendMessage(context.Background(), "alice", "bob", "hola", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))

	// Неудавшаяся запись не дает fan-out
	assert.Empty(t, hub.sends(domain.EventReceiveMessage))
}

func TestMessageService_HistoryOrderedAndPaginated(t *testing.T) {
	repo := &memMessageRepo{}
	router := newRouterForTest(repo, newMemConversationRepo(), newRecordingHub())

	for i := 0; i < 5; i++ {
		sender, receiver := "alice", "bob"
		if i%2 == 1 {
			sender, receiver = "bob", "alice"
		}
		_, err := router.SendMessage(context.Background(), sender, receiver, "msg", nil)
		require.NoError(t, err)
	}

	page1, cursor, err := router.History(context.Background(), "alice", "bob", "", 3)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	require.NotEmpty(t, cursor)

	page2, _, err := router.History(context.Background(), "alice", "bob", cursor, 3)
	require.NoError(t, err)
	require.Len(t, page2, 2)

	all := append(page1, page2...)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Before(all[i]), "history must be ordered by (sent_at, id)")
	}
}

func TestMessageService_MarkReadNotifiesCounterpart(t *testing.T) {
	repo := &memMessageRepo{}
	convRepo := newMemConversationRepo()
	hub := newRecordingHub()
	router := newRouterForTest(repo, convRepo, hub)

	_, err := router.SendMessage(context.Background(), "alice", "bob", "hola", nil)
	require.NoError(t, err)

	unread, _ := convRepo.UnreadCount(context.Background(), "bob", "alice")
	assert.Equal(t, int64(1), unread)

	require.NoError(t, router.MarkRead(context.Background(), "bob", "alice"))

	unread, _ = convRepo.UnreadCount(context.Background(), "bob", "alice")
	assert.Zero(t, unread)

	notifications := hub.sends(domain.EventMessagesRead)
	require.Len(t, notifications, 1)
	assert.Equal(t, "alice", notifications[0].userID)
	assert.Equal(t, "bob", notifications[0].watched)

	// Повторный markAsRead ничего не читает и не шлет
	require.NoError(t, router.MarkRead(context.Background(), "bob", "alice"))
	assert.Len(t, hub.sends(domain.EventMessagesRead), 1)
}
