package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"marketplace_chat/pkg/logger"
)

type Repositories struct {
	Message      MessageRepository
	Conversation ConversationRepository
	RateLimit    RateLimitRepository
}

func NewRepositories(db *pgxpool.Pool, redis *redis.Client, log logger.Logger) *Repositories {
	return &Repositories{
		Message:      NewMessageRepository(db, log),
		Conversation: NewConversationRepository(db, redis, log),
		RateLimit:    NewRateLimitRepository(redis, log),
	}
}
