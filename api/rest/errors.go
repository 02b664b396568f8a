package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	mw "github.com/kasuganosora/friendsync/middleware"
	"github.com/kasuganosora/friendsync/relation"
	"go.uber.org/zap"
)

var statusByCode = map[relation.Code]int{
	relation.CodeUnauthenticated:    http.StatusUnauthorized,
	relation.CodeInvalidArgument:    http.StatusBadRequest,
	relation.CodeNotFound:           http.StatusNotFound,
	relation.CodePermissionDenied:   http.StatusForbidden,
	relation.CodeFailedPrecondition: http.StatusConflict,
	relation.CodeAlreadyExists:      http.StatusConflict,
	relation.CodeResourceExhausted:  http.StatusTooManyRequests,
	relation.CodeInternal:           http.StatusInternalServerError,
}

// HTTPStatus maps a relation code to its HTTP status.
func HTTPStatus(code relation.Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// writeError renders err. Rejections keep their code and reason; anything
// else is logged and reported as an opaque internal error.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	r, ok := relation.AsRejection(err)
	if !ok {
		logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.String("trace_id", mw.GetTraceID(c)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": relation.CodeInternal})
		return
	}
	body := gin.H{"error": r.Error(), "code": r.Code, "reason": r.Reason}
	if r.RelationshipKey != "" {
		body["relationshipKey"] = r.RelationshipKey
	}
	c.JSON(HTTPStatus(r.Code), body)
}
