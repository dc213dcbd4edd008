package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DefaultPrefix is the path every admin UI route lives under
const DefaultPrefix = "/forest"

// RouteRegistrar registers its routes under a parent group
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router mounts route groups on the engine under DefaultPrefix
type Router struct {
	engine     *gin.Engine
	registrars []RouteRegistrar
}

// NewRouter creates a router on engine
func NewRouter(engine *gin.Engine) *Router {
	return &Router{engine: engine}
}

// Register queues a registrar until Setup
func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrar)
	return r
}

// Setup registers every queued group, in registration order
func (r *Router) Setup() {
	group := r.engine.Group(DefaultPrefix)
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(group)
	}
}

type route struct {
	method   string
	path     string
	handlers []gin.HandlerFunc
}

// RouteGroup collects routes sharing a path and middleware. Routes are only
// bound to gin by RegisterRoutes, so a group can be built before the engine.
type RouteGroup struct {
	path       string
	middleware []gin.HandlerFunc
	routes     []route
	subgroups  []*RouteGroup
}

// NewRouteGroup creates a group at path, relative to where it is registered
func NewRouteGroup(path string, middleware ...gin.HandlerFunc) *RouteGroup {
	return &RouteGroup{path: path, middleware: middleware}
}

// Handle adds a route
func (g *RouteGroup) Handle(method, path string, handlers ...gin.HandlerFunc) *RouteGroup {
	g.routes = append(g.routes, route{method: method, path: path, handlers: handlers})
	return g
}

func (g *RouteGroup) GET(path string, handlers ...gin.HandlerFunc) *RouteGroup {
	return g.Handle(http.MethodGet, path, handlers...)
}

func (g *RouteGroup) POST(path string, handlers ...gin.HandlerFunc) *RouteGroup {
	return g.Handle(http.MethodPost, path, handlers...)
}

func (g *RouteGroup) PUT(path string, handlers ...gin.HandlerFunc) *RouteGroup {
	return g.Handle(http.MethodPut, path, handlers...)
}

func (g *RouteGroup) DELETE(path string, handlers ...gin.HandlerFunc) *RouteGroup {
	return g.Handle(http.MethodDelete, path, handlers...)
}

// Group adds a nested group inheriting this group's middleware
func (g *RouteGroup) Group(path string, middleware ...gin.HandlerFunc) *RouteGroup {
	sub := NewRouteGroup(path, middleware...)
	g.subgroups = append(g.subgroups, sub)
	return sub
}

// RegisterRoutes binds the group, then its subgroups, under rg
func (g *RouteGroup) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group(g.path, g.middleware...)
	for _, r := range g.routes {
		group.Handle(r.method, r.path, r.handlers...)
	}
	for _, sub := range g.subgroups {
		sub.RegisterRoutes(group)
	}
}
