package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/relation"
	"github.com/kasuganosora/friendsync/scheduler"
	"github.com/kasuganosora/friendsync/users"
	"go.uber.org/zap"
)

// AdminHandler serves the operator endpoints.
type AdminHandler struct {
	svc    *relation.Service
	users  *users.Directory
	queue  *relation.RepairQueue
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewAdminHandler creates a new AdminHandler. queue and sched may be nil.
func NewAdminHandler(svc *relation.Service, dir *users.Directory, queue *relation.RepairQueue, sched *scheduler.Scheduler, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, users: dir, queue: queue, sched: sched, logger: logger}
}

// Consistency handles GET /api/admin/consistency/:a/:b.
func (h *AdminHandler) Consistency(c *gin.Context) {
	report, err := h.svc.CheckConsistency(c.Request.Context(), c.Param("a"), c.Param("b"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Repair handles POST /api/admin/repair/:a/:b.
func (h *AdminHandler) Repair(c *gin.Context) {
	res, err := h.svc.Repair(c.Request.Context(), c.Param("a"), c.Param("b"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Events handles GET /api/admin/relationships/:key/events.
func (h *AdminHandler) Events(c *gin.Context) {
	key := c.Param("key")
	if _, err := relation.ParsePairKey(key); err != nil {
		writeError(c, h.logger, err)
		return
	}
	events, err := h.svc.Repository().Events(c.Request.Context(), key)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if events == nil {
		events = []model.FriendshipEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// RegisterUser handles POST /api/admin/users.
func (h *AdminHandler) RegisterUser(c *gin.Context) {
	var req struct {
		ID          string `json:"id" binding:"required"`
		Email       string `json:"email" binding:"required"`
		DisplayName string `json:"displayName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": relation.CodeInvalidArgument})
		return
	}
	u, err := h.users.Register(c.Request.Context(), model.User{ID: req.ID, Email: req.Email, DisplayName: req.DisplayName})
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, u)
	case errors.Is(err, users.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": relation.CodeAlreadyExists})
	case errors.Is(err, users.ErrInvalidEmail):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": relation.CodeInvalidArgument})
	default:
		writeError(c, h.logger, err)
	}
}

// Status handles GET /api/admin/status.
func (h *AdminHandler) Status(c *gin.Context) {
	body := gin.H{"tasks": []string{}, "pendingRepairs": []string{}}
	if h.sched != nil {
		body["tasks"] = h.sched.ListTickers()
	}
	if h.queue != nil {
		pending, err := h.queue.Pending(c.Request.Context())
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		if pending != nil {
			body["pendingRepairs"] = pending
		}
	}
	c.JSON(http.StatusOK, body)
}
