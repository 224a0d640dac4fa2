package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/threadcast/internal/middleware"
	"github.com/lalith-99/threadcast/internal/models"
	"github.com/lalith-99/threadcast/internal/realtime"
	"github.com/lalith-99/threadcast/internal/repository"
	"go.uber.org/zap"
)

// ThreadHandler holds the dependencies for thread CRUD. The realtime
// supervisor is here so administrative changes — thread created,
// participants changed — reach open connections immediately instead of
// waiting for the next reconnect.
type ThreadHandler struct {
	threads      repository.ThreadRepository
	participants repository.ParticipantRepository
	supervisor   *realtime.Supervisor
	logger       *zap.Logger
}

func NewThreadHandler(
	threads repository.ThreadRepository,
	participants repository.ParticipantRepository,
	supervisor *realtime.Supervisor,
	logger *zap.Logger,
) *ThreadHandler {
	return &ThreadHandler{
		threads:      threads,
		participants: participants,
		supervisor:   supervisor,
		logger:       logger,
	}
}

type createThreadRequest struct {
	Title   string `json:"title" binding:"required"`
	IsGroup bool   `json:"is_group"`
}

// Create handles POST /v1/threads. The creator becomes the first
// participant with the admin role.
func (h *ThreadHandler) Create(c *gin.Context) {
	var req createThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := middleware.GetUserID(c)

	thread, err := h.threads.Create(c.Request.Context(), req.Title, userID, req.IsGroup)
	if err != nil {
		h.logger.Error("failed to create thread", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create thread"})
		return
	}
	if err := h.participants.Add(c.Request.Context(), thread.ID, userID, models.RoleAdmin); err != nil {
		h.logger.Error("failed to add creator as participant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create thread"})
		return
	}

	h.supervisor.ThreadCreated(c.Request.Context(), thread.ID, userID)
	c.JSON(http.StatusCreated, thread)
}

// List handles GET /v1/threads — the caller's active threads.
func (h *ThreadHandler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)

	threads, err := h.threads.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list threads", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list threads"})
		return
	}
	c.JSON(http.StatusOK, threads)
}

// Get handles GET /v1/threads/:id — participants only.
func (h *ThreadHandler) Get(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread ID"})
		return
	}
	userID := middleware.GetUserID(c)

	active, err := h.participants.IsActive(c.Request.Context(), threadID, userID)
	if err != nil {
		h.logger.Error("failed to check participation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
		return
	}
	if !active {
		// Same response as a missing thread: membership is not discoverable.
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}

	thread, err := h.threads.GetByID(c.Request.Context(), threadID)
	if err != nil {
		h.logger.Error("failed to load thread", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load thread"})
		return
	}
	if thread == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}
	c.JSON(http.StatusOK, thread)
}
