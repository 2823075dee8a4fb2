package handler

import (
	"marketplace_chat/internal/service"
	"marketplace_chat/pkg/logger"
)

type Handlers struct {
	Health       *HealthHandler
	Conversation *ConversationHandler
	WebSocket    *WebSocketHandler
}

func NewHandlers(services *service.Services, log logger.Logger) *Handlers {
	return &Handlers{
		Health:       NewHealthHandler(),
		Conversation: NewConversationHandler(services.Conversation, services.Message, log),
		WebSocket:    NewWebSocketHandler(services, log),
	}
}
