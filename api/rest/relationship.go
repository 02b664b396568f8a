package rest

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	mw "github.com/kasuganosora/friendsync/middleware"
	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/relation"
	"go.uber.org/zap"
)

// RelationshipHandler exposes the relationship transitions to the
// authenticated user.
type RelationshipHandler struct {
	svc    *relation.Service
	logger *zap.Logger
}

// NewRelationshipHandler creates a new RelationshipHandler.
func NewRelationshipHandler(svc *relation.Service, logger *zap.Logger) *RelationshipHandler {
	return &RelationshipHandler{svc: svc, logger: logger}
}

// List handles GET /api/relationships?status=.
func (h *RelationshipHandler) List(c *gin.Context) {
	status := model.RelationshipStatus(c.Query("status"))
	mirrors, err := h.svc.ListRelationships(c.Request.Context(), mw.GetUserID(c), status)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if mirrors == nil {
		mirrors = []model.Mirror{}
	}
	c.JSON(http.StatusOK, gin.H{"relationships": mirrors})
}

// SendRequest handles POST /api/relationships/requests.
func (h *RelationshipHandler) SendRequest(c *gin.Context) {
	var req struct {
		Target string `json:"target" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": relation.CodeInvalidArgument, "reason": relation.ReasonInvalidArgument})
		return
	}
	key, err := h.svc.SendFriendRequest(c.Request.Context(), mw.GetUserID(c), req.Target)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"relationshipKey": key})
}

// Accept handles POST /api/relationships/requests/:key/accept.
func (h *RelationshipHandler) Accept(c *gin.Context) {
	h.byKey(c, h.svc.AcceptFriendRequest)
}

// Reject handles POST /api/relationships/requests/:key/reject.
func (h *RelationshipHandler) Reject(c *gin.Context) {
	h.byKey(c, h.svc.RejectFriendRequest)
}

// Unfriend handles DELETE /api/relationships/friends/:id.
func (h *RelationshipHandler) Unfriend(c *gin.Context) {
	h.byTarget(c, h.svc.Unfriend)
}

// Block handles POST /api/relationships/blocks/:id.
func (h *RelationshipHandler) Block(c *gin.Context) {
	h.byTarget(c, h.svc.BlockUser)
}

// Unblock handles DELETE /api/relationships/blocks/:id.
func (h *RelationshipHandler) Unblock(c *gin.Context) {
	h.byTarget(c, h.svc.UnblockUser)
}

type transitionFn func(ctx context.Context, actor, arg string) error

func (h *RelationshipHandler) byKey(c *gin.Context, fn transitionFn) {
	key := c.Param("key")
	if err := fn(c.Request.Context(), mw.GetUserID(c), key); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relationshipKey": key})
}

func (h *RelationshipHandler) byTarget(c *gin.Context, fn transitionFn) {
	if err := fn(c.Request.Context(), mw.GetUserID(c), c.Param("id")); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
