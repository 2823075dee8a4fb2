package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"marketplace_chat/internal/service"
	"marketplace_chat/pkg/logger"
)

type ConversationHandler struct {
	conversationService service.ConversationService
	messageService      service.MessageService
	log                 logger.Logger
}

func NewConversationHandler(
	conversationService service.ConversationService,
	messageService service.MessageService,
	log logger.Logger,
) *ConversationHandler {
	return &ConversationHandler{
		conversationService: conversationService,
		messageService:      messageService,
		log:                 log,
	}
}

// List возвращает диалоги пользователя с последним сообщением
// и счетчиком непрочитанного
func (h *ConversationHandler) List(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id is required"})
		return
	}

	previews, err := h.conversationService.List(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("Failed to list conversations", "error", err, "user", userID)
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, previews)
}

// Messages - REST-доступ к истории диалога для первичной гидратации;
// websocket-путь getHistory ходит в то же хранилище
func (h *ConversationHandler) Messages(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id is required"})
		return
	}

	counterpartID := c.Param("counterpartId")
	cursor := c.Query("cursor")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	messages, nextCursor, err := h.messageService.History(c.Request.Context(), userID, counterpartID, cursor, limit)
	if err != nil {
		h.log.Error("Failed to get history", "error", err, "user", userID)
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages":    messages,
		"next_cursor": nextCursor,
	})
}
