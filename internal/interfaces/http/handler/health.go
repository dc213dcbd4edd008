package handler

import (
	"github.com/gin-gonic/gin"
)

// HealthHandler answers the admin UI's availability probe
type HealthHandler struct {
	BaseHandler
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// Check handles GET /forest
func (h *HealthHandler) Check(c *gin.Context) {
	h.NoContent(c)
}
