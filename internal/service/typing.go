package service

import (
	"marketplace_chat/internal/domain"
	"marketplace_chat/pkg/logger"
)

// TypingService ретранслирует индикатор набора между собеседниками.
// Сигнал эфемерный: не сохраняется, не подтверждается, не повторяется.
// Потерянное событие само исправится следующим нажатием клавиши,
// а зависший индикатор гасится таймаутом на клиенте
type TypingService interface {
	SetTyping(from, to string, isTyping bool)
}

type typingService struct {
	connections ConnectionManager
	log         logger.Logger
}

func NewTypingService(connections ConnectionManager, log logger.Logger) TypingService {
	return &typingService{connections: connections, log: log}
}

func (s *typingService) SetTyping(from, to string, isTyping bool) {
	if from == "" || to == "" || from == to {
		return
	}

	name := domain.EventTyping
	if !isTyping {
		name = domain.EventStopTyping
	}

	event, err := domain.NewEvent(name, domain.TypingPayload{From: from})
	if err != nil {
		s.log.Error("Failed to encode typing event", "error", err)
		return
	}

	// Доставляем только соединениям, открывшим диалог с from
	s.connections.SendScoped(to, from, event)
}
