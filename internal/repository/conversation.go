package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"marketplace_chat/internal/domain"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/logger"
)

const unreadKeyPrefix = "chat:unread:%s:%s"

// ConversationRepository - read-model списка диалогов: последнее сообщение
// берется из PostgreSQL, счетчики непрочитанного живут в Redis
type ConversationRepository interface {
	ListConversations(ctx context.Context, userID string) ([]*domain.ConversationPreview, error)
	IncrementUnread(ctx context.Context, userID, counterpartID string) error
	ResetUnread(ctx context.Context, userID, counterpartID string) error
	UnreadCount(ctx context.Context, userID, counterpartID string) (int64, error)
}

type conversationRepository struct {
	db  *pgxpool.Pool
	rdb *redis.Client
	log logger.Logger
}

func NewConversationRepository(db *pgxpool.Pool, rdb *redis.Client, log logger.Logger) ConversationRepository {
	return &conversationRepository{db: db, rdb: rdb, log: log}
}

func unreadKey(userID, counterpartID string) string {
	return fmt.Sprintf(unreadKeyPrefix, userID, counterpartID)
}

func (r *conversationRepository) ListConversations(ctx context.Context, userID string) ([]*domain.ConversationPreview, error) {
	query := `
		SELECT DISTINCT ON (conversation_key)
			conversation_key, id, sender_id, receiver_id, content, sent_at, delivered, read, client_message_id
		FROM messages
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY conversation_key, sent_at DESC, id DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		r.log.Error("Failed to list conversations", "error", err, "user", userID)
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
	}
	defer rows.Close()

	var previews []*domain.ConversationPreview
	for rows.Next() {
		var conversationKey string
		last := &domain.Message{}
		err := rows.Scan(
			&conversationKey, &last.ID, &last.SenderID, &last.ReceiverID, &last.Content,
			&last.SentAt, &last.Delivered, &last.Read, &last.ClientMessageID,
		)
		if err != nil {
			r.log.Error("Failed to scan conversation", "error", err)
			return nil, fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
		}

		counterpart := last.SenderID
		if counterpart == userID {
			counterpart = last.ReceiverID
		}

		previews = append(previews, &domain.ConversationPreview{
			ConversationID: conversationKey,
			CounterpartID:  counterpart,
			LastMessage:    last,
			UpdatedAt:      last.SentAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
	}

	// Счетчики непрочитанного подтягиваем одним pipeline
	if len(previews) > 0 {
		pipe := r.rdb.Pipeline()
		counts := make([]*redis.StringCmd, len(previews))
		for i, p := range previews {
			counts[i] = pipe.Get(ctx, unreadKey(userID, p.CounterpartID))
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			r.log.Warn("Failed to read unread counters", "error", err)
		}
		for i, cmd := range counts {
			if n, err := cmd.Int64(); err == nil {
				previews[i].UnreadCount = n
			}
		}
	}

	return previews, nil
}

func (r *conversationRepository) IncrementUnread(ctx context.Context, userID, counterpartID string) error {
	if err := r.rdb.Incr(ctx, unreadKey(userID, counterpartID)).Err(); err != nil {
		r.log.Warn("Failed to increment unread counter", "error", err, "user", userID)
		return err
	}
	return nil
}

func (r *conversationRepository) ResetUnread(ctx context.Context, userID, counterpartID string) error {
	if err := r.rdb.Del(ctx, unreadKey(userID, counterpartID)).Err(); err != nil {
		r.log.Warn("Failed to reset unread counter", "error", err, "user", userID)
		return err
	}
	return nil
}

func (r *conversationRepository) UnreadCount(ctx context.Context, userID, counterpartID string) (int64, error) {
	n, err := r.rdb.Get(ctx, unreadKey(userID, counterpartID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		r.log.Warn("Failed to get unread counter", "error", err, "user", userID)
		return 0, err
	}
	return n, nil
}
