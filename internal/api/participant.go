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

// ParticipantHandler manages thread membership. Every mutation is bridged
// into the realtime layer as an administrative event: connected clients see
// the room adjust and the participant change broadcast without reconnecting.
type ParticipantHandler struct {
	participants repository.ParticipantRepository
	supervisor   *realtime.Supervisor
	logger       *zap.Logger
}

func NewParticipantHandler(
	participants repository.ParticipantRepository,
	supervisor *realtime.Supervisor,
	logger *zap.Logger,
) *ParticipantHandler {
	return &ParticipantHandler{
		participants: participants,
		supervisor:   supervisor,
		logger:       logger,
	}
}

type addParticipantRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
	Role   string    `json:"role"`
}

type setRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// requireAdmin verifies the caller is an active admin of the thread.
func (h *ParticipantHandler) requireAdmin(c *gin.Context, threadID uuid.UUID) bool {
	userID := middleware.GetUserID(c)

	members, err := h.participants.ListActive(c.Request.Context(), threadID)
	if err != nil {
		h.logger.Error("failed to list participants", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify permissions"})
		return false
	}
	for _, m := range members {
		if m.UserID == userID && m.Role == models.RoleAdmin {
			return true
		}
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
	return false
}

// Add handles POST /v1/threads/:id/participants
func (h *ParticipantHandler) Add(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread ID"})
		return
	}
	var req addParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role == "" {
		req.Role = models.RoleMember
	}
	if req.Role != models.RoleMember && req.Role != models.RoleAdmin {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role"})
		return
	}
	if !h.requireAdmin(c, threadID) {
		return
	}

	if err := h.participants.Add(c.Request.Context(), threadID, req.UserID, req.Role); err != nil {
		h.logger.Error("failed to add participant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add participant"})
		return
	}

	h.supervisor.ParticipantAdded(c.Request.Context(), threadID, req.UserID, req.Role)
	c.JSON(http.StatusCreated, gin.H{"thread_id": threadID, "user_id": req.UserID, "role": req.Role})
}

// Remove handles DELETE /v1/threads/:id/participants/:userID. A participant
// may remove themselves; removing anyone else needs the admin role.
func (h *ParticipantHandler) Remove(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread ID"})
		return
	}
	targetID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user ID"})
		return
	}
	if targetID != middleware.GetUserID(c) && !h.requireAdmin(c, threadID) {
		return
	}

	if err := h.participants.Remove(c.Request.Context(), threadID, targetID); err != nil {
		h.logger.Error("failed to remove participant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove participant"})
		return
	}

	h.supervisor.ParticipantRemoved(c.Request.Context(), threadID, targetID)
	c.Status(http.StatusNoContent)
}

// SetRole handles PATCH /v1/threads/:id/participants/:userID
func (h *ParticipantHandler) SetRole(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread ID"})
		return
	}
	targetID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user ID"})
		return
	}
	var req setRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role != models.RoleMember && req.Role != models.RoleAdmin {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role"})
		return
	}
	if !h.requireAdmin(c, threadID) {
		return
	}

	if err := h.participants.SetRole(c.Request.Context(), threadID, targetID, req.Role); err != nil {
		h.logger.Error("failed to set participant role", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set role"})
		return
	}

	h.supervisor.ParticipantRoleChanged(c.Request.Context(), threadID, targetID, req.Role)
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "user_id": targetID, "role": req.Role})
}

// List handles GET /v1/threads/:id/participants — participants only.
func (h *ParticipantHandler) List(c *gin.Context) {
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread ID"})
		return
	}
	userID := middleware.GetUserID(c)

	active, err := h.participants.IsActive(c.Request.Context(), threadID, userID)
	if err != nil {
		h.logger.Error("failed to check participation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list participants"})
		return
	}
	if !active {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}

	members, err := h.participants.ListActive(c.Request.Context(), threadID)
	if err != nil {
		h.logger.Error("failed to list participants", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list participants"})
		return
	}
	c.JSON(http.StatusOK, members)
}
