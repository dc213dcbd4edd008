package handler

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/liana/backend/internal/domain/shared"
	"github.com/liana/backend/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// ScopeInvalidator drops the cached scopes of a rendering
type ScopeInvalidator interface {
	Invalidate(ctx context.Context, renderingID string) error
}

// PermissionInvalidator drops the cached permissions
type PermissionInvalidator interface {
	Invalidate()
}

// CacheHandler lets the control plane ask for cached scopes and permissions to be refetched
type CacheHandler struct {
	BaseHandler
	scopes      ScopeInvalidator
	permissions PermissionInvalidator
	logger      *zap.Logger
}

// NewCacheHandler creates a new CacheHandler
func NewCacheHandler(scopes ScopeInvalidator, permissions PermissionInvalidator, logger *zap.Logger) *CacheHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheHandler{scopes: scopes, permissions: permissions, logger: logger}
}

type scopeInvalidationRequest struct {
	RenderingID json.Number `json:"renderingId" binding:"required"`
}

// InvalidateScopes handles POST /forest/scope-cache-invalidation
func (h *CacheHandler) InvalidateScopes(c *gin.Context) {
	var req scopeInvalidationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.HandleError(c, middleware.BindingError(err))
		return
	}
	if err := h.scopes.Invalidate(c.Request.Context(), string(req.RenderingID)); err != nil {
		h.HandleError(c, shared.NewInternalError(err))
		return
	}
	if h.permissions != nil {
		h.permissions.Invalidate()
	}
	h.logger.Info("Scope cache invalidated", zap.String("rendering_id", string(req.RenderingID)))
	h.NoContent(c)
}
