package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketplace_chat/internal/domain"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/logger"
)

type MessageRepository interface {
	// Append атомарно сохраняет новое сообщение. Повторная запись с тем же id
	// или (sender_id, client_message_id) возвращает уже сохраненную строку
	Append(ctx context.Context, message *domain.Message) (*domain.Message, error)

	// History возвращает страницу сообщений пары строго по (sent_at, id)
	History(ctx context.Context, partyA, partyB string, cursor *domain.Cursor, limit int) ([]*domain.Message, *domain.Cursor, error)

	// MarkDelivered / MarkRead - монотонные переходы флагов, повтор - no-op
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkRead(ctx context.Context, selfID, counterpartID string) (int64, error)

	GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error)
}

type messageRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewMessageRepository(db *pgxpool.Pool, log logger.Logger) MessageRepository {
	return &messageRepository{db: db, log: log}
}

const messageColumns = "id, sender_id, receiver_id, content, sent_at, delivered, read, client_message_id"

func (r *messageRepository) Append(ctx context.Context, message *domain.Message) (*domain.Message, error) {
	if strings.TrimSpace(message.Content) == "" {
		return nil, apperrors.ErrEmptyContent
	}
	if message.SenderID == message.ReceiverID {
		return nil, apperrors.ErrSelfMessaging
	}

	key := domain.NewConversationKey(message.SenderID, message.ReceiverID)

	// Идемпотентный повтор по клиентскому идентификатору
	if message.ClientMessageID != nil {
		existing, err := r.getByClientID(ctx, message.SenderID, *message.ClientMessageID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	// sent_at назначается сервером и не убывает внутри диалога
	query := `
		INSERT INTO messages (id, sender_id, receiver_id, content, sent_at, client_message_id, conversation_key)
		VALUES (
			$1, $2, $3, $4,
			GREATEST(now(), COALESCE((SELECT MAX(sent_at) FROM messages WHERE conversation_key = $6), now())),
			$5, $6
		)
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + messageColumns

	stored := &domain.Message{}
	err := r.db.QueryRow(ctx, query,
		message.ID, message.SenderID, message.ReceiverID,
		message.Content, message.ClientMessageID, key.String(),
	).Scan(
		&stored.ID, &stored.SenderID, &stored.ReceiverID, &stored.Content,
		&stored.SentAt, &stored.Delivered, &stored.Read, &stored.ClientMessageID,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Конфликт по id - возвращаем уже сохраненное сообщение
			return r.GetByID(ctx, message.ID)
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Гонка двух повторов с одним client_message_id
			if message.ClientMessageID != nil {
				existing, lookupErr := r.getByClientID(ctx, message.SenderID, *message.ClientMessageID)
				if lookupErr == nil && existing != nil {
					return existing, nil
				}
			}
			return nil, apperrors.ErrConflict
		}

		r.log.Error("Failed to append message", "error", err, "conversation", key.String())
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
	}

	return stored, nil
}

func (r *messageRepository) History(ctx context.Context, partyA, partyB string, cursor *domain.Cursor, limit int) ([]*domain.Message, *domain.Cursor, error) {
	key := domain.NewConversationKey(partyA, partyB)

	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_key = $1
		  AND ($2::timestamptz IS NULL OR (sent_at, id) > ($2, $3))
		ORDER BY sent_at, id
		LIMIT $4
	`

	var cursorAt interface{}
	var cursorID interface{}
	if cursor != nil {
		cursorAt = cursor.SentAt
		cursorID = cursor.ID
	}

	rows, err := r.db.Query(ctx, query, key.String(), cursorAt, cursorID, limit)
	if err != nil {
		r.log.Error("Failed to get history", "error", err, "conversation", key.String())
		return nil, nil, fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		message := &domain.Message{}
		err := rows.Scan(
			&message.ID, &message.SenderID, &message.ReceiverID, &message.Content,
			&message.SentAt, &message.Delivered, &message.Read, &message.ClientMessageID,
		)
		if err != nil {
			r.log.Error("Failed to scan message", "error", err)
			return nil, nil, fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
	}

	// Страница короче limit означает конец истории
	var next *domain.Cursor
	if len(messages) == limit {
		last := messages[len(messages)-1]
		next = &domain.Cursor{SentAt: last.SentAt, ID: last.ID}
	}

	return messages, next, nil
}

func (r *messageRepository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE messages SET delivered = TRUE WHERE id = $1 AND delivered = FALSE`

	_, err := r.db.Exec(ctx, query, id)
	if err != nil {
		r.log.Error("Failed to mark message delivered", "error", err, "id", id)
		return fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
	}

	return nil
}

func (r *messageRepository) MarkRead(ctx context.Context, selfID, counterpartID string) (int64, error) {
	// Прочитанное сообщение считается и доставленным
	query := `
		UPDATE messages
		SET read = TRUE, delivered = TRUE
		WHERE sender_id = $1 AND receiver_id = $2 AND read = FALSE
	`

	tag, err := r.db.Exec(ctx, query, counterpartID, selfID)
	if err != nil {
		r.log.Error("Failed to mark messages read", "error", err, "self", selfID, "counterpart", counterpartID)
		return 0, fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
	}

	return tag.RowsAffected(), nil
}

func (r *messageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	message := &domain.Message{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&message.ID, &message.SenderID, &message.ReceiverID, &message.Content,
		&message.SentAt, &message.Delivered, &message.Read, &message.ClientMessageID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		r.log.Error("Failed to get message", "error", err, "id", id)
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
	}

	return message, nil
}

func (r *messageRepository) getByClientID(ctx context.Context, senderID string, clientMessageID uuid.UUID) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE sender_id = $1 AND client_message_id = $2`

	message := &domain.Message{}
	err := r.db.QueryRow(ctx, query, senderID, clientMessageID).Scan(
		&message.ID, &message.SenderID, &message.ReceiverID, &message.Content,
		&message.SentAt, &message.Delivered, &message.Read, &message.ClientMessageID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		r.log.Error("Failed to look up message by client id", "error", err)
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
	}

	return message, nil
}
