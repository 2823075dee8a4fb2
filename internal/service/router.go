package service

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"marketplace_chat/internal/config"
	"marketplace_chat/internal/domain"
	"marketplace_chat/internal/repository"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/logger"
)

// MessageService - единая точка входа для отправки сообщений.
// Валидация, идемпотентная запись, подтверждение отправителю,
// fan-out получателю
type MessageService interface {
	SendMessage(ctx context.Context, senderID, receiverID, content string, clientMessageID *uuid.UUID) (*domain.Message, error)
	History(ctx context.Context, selfID, counterpartID, cursor string, limit int) ([]*domain.Message, string, error)
	MarkRead(ctx context.Context, selfID, counterpartID string) error
}

type messageService struct {
	messageRepo repository.MessageRepository
	convRepo    repository.ConversationRepository
	connections ConnectionManager
	cfg         config.ChatConfig
	log         logger.Logger

	// Запись в рамках одного диалога сериализуется, чтобы порядок
	// (sent_at, id) оставался монотонным при конкурентных отправках
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMessageService(
	messageRepo repository.MessageRepository,
	convRepo repository.ConversationRepository,
	connections ConnectionManager,
	cfg config.ChatConfig,
	log logger.Logger,
) MessageService {
	return &messageService{
		messageRepo: messageRepo,
		convRepo:    convRepo,
		connections: connections,
		cfg:         cfg,
		log:         log,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (s *messageService) SendMessage(ctx context.Context, senderID, receiverID, content string, clientMessageID *uuid.UUID) (*domain.Message, error) {
	senderID = strings.TrimSpace(senderID)
	receiverID = strings.TrimSpace(receiverID)

	if senderID == "" || receiverID == "" {
		return nil, apperrors.ErrValidation
	}
	if senderID == receiverID {
		return nil, apperrors.ErrSelfMessaging
	}
	if strings.TrimSpace(content) == "" {
		return nil, apperrors.ErrEmptyContent
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	message := &domain.Message{
		ID:              uuid.New(),
		SenderID:        senderID,
		ReceiverID:      receiverID,
		Content:         content,
		ClientMessageID: clientMessageID,
	}

	stored, err := s.appendSerialized(ctx, message)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.ErrSendTimeout
		}
		return nil, err
	}

	// Повтор с тем же client_message_id вернул ранее сохраненное
	// сообщение - fan-out уже был, не дублируем
	if stored.ID != message.ID {
		return stored, nil
	}

	s.deliver(ctx, stored)

	return stored, nil
}

// appendSerialized держит per-conversation мьютекс на время записи
// и повторяет ее с ограниченным экспоненциальным backoff при сбоях хранилища
func (s *messageService) appendSerialized(ctx context.Context, message *domain.Message) (*domain.Message, error) {
	lock := s.conversationLock(domain.NewConversationKey(message.SenderID, message.ReceiverID))
	lock.Lock()
	defer lock.Unlock()

	operation := func() (*domain.Message, error) {
		stored, err := s.messageRepo.Append(ctx, message)
		if err != nil {
			if !apperrors.IsRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			s.log.Warn("Append failed, retrying", "error", err, "message_id", message.ID)
			return nil, err
		}
		return stored, nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.AppendMaxRetries),
		ctx,
	)

	return backoff.RetryWithData(operation, policy)
}

// deliver раскидывает сообщение по активным соединениям получателя.
// Путь не блокируется: хаб кладет событие в буферизованные каналы
func (s *messageService) deliver(ctx context.Context, message *domain.Message) {
	event, err := domain.NewEvent(domain.EventReceiveMessage, message)
	if err != nil {
		s.log.Error("Failed to encode message event", "error", err)
		return
	}

	if err := s.convRepo.IncrementUnread(ctx, message.ReceiverID, message.SenderID); err != nil {
		s.log.Warn("Failed to bump unread counter", "error", err)
	}

	delivered := s.connections.Send(message.ReceiverID, event)
	if delivered == 0 {
		// Получатель offline: доставит история при следующем подключении
		return
	}

	if err := s.messageRepo.MarkDelivered(ctx, message.ID); err != nil {
		s.log.Warn("Failed to mark message delivered", "error", err, "message_id", message.ID)
		return
	}
	message.Delivered = true
}

func (s *messageService) History(ctx context.Context, selfID, counterpartID, cursor string, limit int) ([]*domain.Message, string, error) {
	if selfID == "" || counterpartID == "" {
		return nil, "", apperrors.ErrValidation
	}

	if limit <= 0 {
		limit = s.cfg.HistoryPageSize
	}
	if limit > s.cfg.MaxHistoryPage {
		limit = s.cfg.MaxHistoryPage
	}

	decoded, err := domain.DecodeCursor(cursor)
	if err != nil {
		return nil, "", apperrors.ErrValidation
	}

	messages, next, err := s.messageRepo.History(ctx, selfID, counterpartID, decoded, limit)
	if err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if next != nil {
		nextCursor = next.Encode()
	}

	return messages, nextCursor, nil
}

func (s *messageService) MarkRead(ctx context.Context, selfID, counterpartID string) error {
	if selfID == "" || counterpartID == "" {
		return apperrors.ErrValidation
	}

	updated, err := s.messageRepo.MarkRead(ctx, selfID, counterpartID)
	if err != nil {
		return err
	}

	if err := s.convRepo.ResetUnread(ctx, selfID, counterpartID); err != nil {
		s.log.Warn("Failed to reset unread counter", "error", err)
	}

	if updated > 0 {
		event, err := domain.NewEvent(domain.EventMessagesRead, domain.MessagesReadPayload{ReaderID: selfID})
		if err == nil {
			s.connections.SendScoped(counterpartID, selfID, event)
		}
	}

	return nil
}

func (s *messageService) conversationLock(key domain.ConversationKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[key.String()]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key.String()] = lock
	}
	return lock
}
