package service

import (
	"marketplace_chat/internal/config"
	"marketplace_chat/internal/repository"
	"marketplace_chat/pkg/logger"
)

type Services struct {
	Auth         AuthService
	Presence     PresenceTracker
	Connections  ConnectionManager
	Message      MessageService
	Typing       TypingService
	Conversation ConversationService
	RateLimit    RateLimitService
}

func NewServices(repos *repository.Repositories, cfg *config.Config, log logger.Logger) *Services {
	presence := NewPresenceTracker(cfg.Chat.PresenceGrace, log)
	connections := NewConnectionManager(presence, cfg.Chat, log)

	return &Services{
		Auth:         NewAuthService(cfg.JWT, log),
		Presence:     presence,
		Connections:  connections,
		Message:      NewMessageService(repos.Message, repos.Conversation, connections, cfg.Chat, log),
		Typing:       NewTypingService(connections, log),
		Conversation: NewConversationService(repos.Conversation, log),
		RateLimit:    NewRateLimitService(repos.RateLimit, log),
	}
}
