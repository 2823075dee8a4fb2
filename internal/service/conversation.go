package service

import (
	"context"

	"marketplace_chat/internal/domain"
	"marketplace_chat/internal/repository"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/logger"
)

// ConversationService - read-model списка диалогов пользователя
type ConversationService interface {
	List(ctx context.Context, userID string) ([]*domain.ConversationPreview, error)
}

type conversationService struct {
	convRepo repository.ConversationRepository
	log      logger.Logger
}

func NewConversationService(convRepo repository.ConversationRepository, log logger.Logger) ConversationService {
	return &conversationService{convRepo: convRepo, log: log}
}

func (s *conversationService) List(ctx context.Context, userID string) ([]*domain.ConversationPreview, error) {
	if userID == "" {
		return nil, apperrors.ErrValidation
	}

	previews, err := s.convRepo.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	if previews == nil {
		previews = []*domain.ConversationPreview{}
	}

	return previews, nil
}
