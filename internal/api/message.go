package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/threadcast/internal/middleware"
	"github.com/lalith-99/threadcast/internal/repository"
	"go.uber.org/zap"
)

// MessageHandler serves message history. Sending goes through the websocket
// pipeline, not REST — this handler is read-only.
type MessageHandler struct {
	messages     repository.MessageRepository
	participants repository.ParticipantRepository
	logger       *zap.Logger
}

func NewMessageHandler(
	messages repository.MessageRepository,
	participants repository.ParticipantRepository,
	logger *zap.Logger,
) *MessageHandler {
	return &MessageHandler{messages: messages, participants: participants, logger: logger}
}

// List handles GET /v1/threads/:id/messages?before=123&limit=50
//
// Cursor pagination: "before" is a message ID ("give me messages older than
// this"), 0 starts from the latest. "limit" defaults to 50, capped at 100.
func (h *MessageHandler) List(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread ID"})
		return
	}

	userID := middleware.GetUserID(c)
	active, err := h.participants.IsActive(c.Request.Context(), threadID, userID)
	if err != nil {
		h.logger.Error("failed to check participation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	if !active {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}

	var before int64
	if b := c.Query("before"); b != "" {
		before, err = strconv.ParseInt(b, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'before' parameter"})
			return
		}
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' parameter"})
			return
		}
		if limit > 100 {
			limit = 100
		}
	}

	messages, err := h.messages.ListByThread(c.Request.Context(), threadID, before, limit)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}

	c.JSON(http.StatusOK, messages)
}
