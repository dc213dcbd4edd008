package router

import (
	"github.com/gin-gonic/gin"
	"github.com/liana/backend/internal/interfaces/http/handler"
	"github.com/liana/backend/internal/interfaces/http/middleware"
)

// Handlers are the handlers behind the admin UI routes
type Handlers struct {
	Health    *handler.HealthHandler
	Resources *handler.ResourceHandler
	Actions   *handler.ActionHandler
	Stats     *handler.StatsHandler
	Cache     *handler.CacheHandler
}

// ForestRoutes returns the admin UI route groups. auth authenticates every route
// but the health check; perms guards each route with the matching permission.
func ForestRoutes(h Handlers, auth gin.HandlerFunc, perms *middleware.Permissions) []RouteRegistrar {
	public := NewRouteGroup("").
		GET("", h.Health.Check).
		GET("/", h.Health.Check)

	private := NewRouteGroup("", auth, middleware.TracingAttributeInjector())

	private.POST("/scope-cache-invalidation", h.Cache.InvalidateScopes)

	private.Group("/actions").
		POST("/:action", perms.SmartAction(), h.Actions.Run).
		POST("/:action/hooks/load", perms.ActionHook(), h.Actions.Load).
		POST("/:action/hooks/change", perms.ActionHook(), h.Actions.Change)

	private.Group("/stats").
		POST("/:collection", perms.Chart(), h.Stats.Value)

	private.
		GET("/:collection", perms.Browse(), h.Resources.List).
		GET("/:collection/count", perms.Browse(), h.Resources.Count).
		POST("/:collection", perms.Add(), h.Resources.Create).
		DELETE("/:collection", perms.Delete(), perms.EnsureRecordIDsInScope(), h.Resources.DeleteMany).
		GET("/:collection/:id", perms.Read(), h.Resources.Get).
		PUT("/:collection/:id", perms.Edit(), h.Resources.Update).
		DELETE("/:collection/:id", perms.Delete(), h.Resources.Delete).
		GET("/:collection/:id/relationships/:field", perms.Read(), h.Resources.HasMany).
		GET("/:collection/:id/relationships/:field/count", perms.Read(), h.Resources.CountHasMany)

	return []RouteRegistrar{public, private}
}
