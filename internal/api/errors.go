package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/middleware"
	"go.uber.org/zap"
)

// respondError writes err as {"error": message} with the status of its
// kind. Internal errors are logged here and answered with a generic text.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if apperr.KindOf(err) == apperr.KindInternal {
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("actor", middleware.GetPrincipal(c).ID.String()),
			zap.Error(err),
		)
	}
	body := gin.H{"error": apperr.MessageOf(err)}
	if apperr.Retryable(err) {
		body["retryable"] = true
	}
	c.AbortWithStatusJSON(status, body)
}

// pathUUID parses a route parameter as a UUID.
func pathUUID(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.New(apperr.KindInvalidArgument, "api.pathUUID", name+" must be a UUID")
	}
	return id, nil
}

// bindError turns a ShouldBindJSON failure into InvalidArgument.
func bindError(err error) error {
	return apperr.Wrap(apperr.KindInvalidArgument, "api.bind", "invalid request body: "+err.Error(), err)
}
