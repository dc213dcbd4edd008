package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/liana/backend/internal/domain/identity"
	"github.com/liana/backend/internal/domain/shared"
	"github.com/liana/backend/internal/infrastructure/logger"
	"github.com/liana/backend/internal/interfaces/http/dto"
	"github.com/liana/backend/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// getRequestID extracts the request ID from the context
func getRequestID(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		return id
	}
	return c.GetHeader(middleware.RequestIDHeader)
}

// currentUser returns the user set by the JWT middleware
func currentUser(c *gin.Context) (identity.User, error) {
	user, ok := middleware.GetUser(c)
	if !ok {
		return identity.User{}, shared.NewUnauthorizedError("Authentication required")
	}
	return user, nil
}

// Success sends a 200 JSON response
func (h *BaseHandler) Success(c *gin.Context, body any) {
	c.JSON(http.StatusOK, body)
}

// NoContent sends a 204 no content response
func (h *BaseHandler) NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// HandleError sends the JSON:API error document of err at its mapped status.
// Internal failures are logged with the request id; denials are expected and are not.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)

	status, doc := dto.NewErrorDocument(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("Request failed",
			zap.String("request_id", getRequestID(c)),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, doc)
}
