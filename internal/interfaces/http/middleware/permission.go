package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/liana/backend/internal/application/authorization"
	"github.com/liana/backend/internal/domain/identity"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/shared"
	"github.com/liana/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// Permission context keys
const (
	// ActionRequestKey holds the authorized *authorization.ActionRequest
	ActionRequestKey = "action_request"
	// ActionKey holds the targeted *schema.Action
	ActionKey = "action"
	// ActionCollectionKey holds the collection the targeted action belongs to
	ActionCollectionKey = "action_collection"
	// ChartRequestKey holds the decoded chart definition
	ChartRequestKey = "chart_request"
)

// Authorizer is the permission surface the middlewares rely on
type Authorizer interface {
	AssertCanBrowse(ctx context.Context, user identity.User, collection, segmentQuery string) error
	AssertCanRead(ctx context.Context, user identity.User, collection string) error
	AssertCanAdd(ctx context.Context, user identity.User, collection string) error
	AssertCanEdit(ctx context.Context, user identity.User, collection string) error
	AssertCanDelete(ctx context.Context, user identity.User, collection string) error
	AssertCanExport(ctx context.Context, user identity.User, collection string) error
	AssertCanRetrieveChart(ctx context.Context, user identity.User, chart map[string]any) error
	AssertCanTriggerCustomAction(ctx context.Context, user identity.User, collection, action string, bulk authorization.BulkRequest) error
	AssertCanApproveCustomAction(ctx context.Context, user identity.User, collection, action string, bulk authorization.BulkRequest, requesterID int64) error
	EnsureRecordIDsInScope(ctx context.Context, user identity.User, collection string, bulk authorization.BulkRequest) error
}

// AuthenticityResolver yields the canonical action request, unwrapping signed approvals
type AuthenticityResolver interface {
	Resolve(raw authorization.ActionRequest) (authorization.ActionRequest, bool, error)
}

// PermissionConfig holds configuration for permission middleware
type PermissionConfig struct {
	Authorization Authorizer
	Authenticity  AuthenticityResolver
	Registry      *schema.Registry
	// Logger for middleware logging
	Logger *zap.Logger
}

// Permissions builds the permission middlewares of the /forest routes.
// Every middleware runs after JWTAuthMiddleware.
type Permissions struct {
	cfg PermissionConfig
}

// NewPermissions creates the permission middlewares
func NewPermissions(cfg PermissionConfig) *Permissions {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Permissions{cfg: cfg}
}

// Browse requires the browse right, and the segment query allow-list when one is sent
func (p *Permissions) Browse() gin.HandlerFunc {
	return p.collectionCheck("browse", func(ctx context.Context, user identity.User, c *gin.Context, collection string) error {
		return p.cfg.Authorization.AssertCanBrowse(ctx, user, collection, c.Query("segmentQuery"))
	})
}

// Read requires the read right
func (p *Permissions) Read() gin.HandlerFunc {
	return p.collectionCheck("read", func(ctx context.Context, user identity.User, _ *gin.Context, collection string) error {
		return p.cfg.Authorization.AssertCanRead(ctx, user, collection)
	})
}

// Add requires the add right
func (p *Permissions) Add() gin.HandlerFunc {
	return p.collectionCheck("add", func(ctx context.Context, user identity.User, _ *gin.Context, collection string) error {
		return p.cfg.Authorization.AssertCanAdd(ctx, user, collection)
	})
}

// Edit requires the edit right
func (p *Permissions) Edit() gin.HandlerFunc {
	return p.collectionCheck("edit", func(ctx context.Context, user identity.User, _ *gin.Context, collection string) error {
		return p.cfg.Authorization.AssertCanEdit(ctx, user, collection)
	})
}

// Delete requires the delete right
func (p *Permissions) Delete() gin.HandlerFunc {
	return p.collectionCheck("delete", func(ctx context.Context, user identity.User, _ *gin.Context, collection string) error {
		return p.cfg.Authorization.AssertCanDelete(ctx, user, collection)
	})
}

// Export requires the export right
func (p *Permissions) Export() gin.HandlerFunc {
	return p.collectionCheck("export", func(ctx context.Context, user identity.User, _ *gin.Context, collection string) error {
		return p.cfg.Authorization.AssertCanExport(ctx, user, collection)
	})
}

// Chart requires the chart definition in the body to be allowed for the user's rendering.
// The decoded definition is stored under ChartRequestKey.
func (p *Permissions) Chart() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := MustGetUser(c)
		var chart map[string]any
		if err := c.ShouldBindBodyWith(&chart, binding.JSON); err != nil {
			abortWithError(c, shared.NewBadRequestError("Invalid chart request").WithCause(err))
			return
		}
		if _, ok := chart["collection"]; !ok && c.Param("collection") != "" {
			chart["collection"] = c.Param("collection")
		}
		if err := p.cfg.Authorization.AssertCanRetrieveChart(c.Request.Context(), user, chart); err != nil {
			p.deny(c, "chart", c.Param("collection"), err)
			return
		}
		c.Set(ChartRequestKey, chart)
		c.Next()
	}
}

// SmartAction authorizes a custom action run: the request is first resolved
// against its signature, then the trigger (or approval, for a signed request
// carrying requester_id) rules are checked, then the targeted ids must be in scope.
// The resolved request and action are stored for the handler.
func (p *Permissions) SmartAction() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := MustGetUser(c)
		ctx := c.Request.Context()

		req, ok := p.bindActionRequest(c)
		if !ok {
			return
		}
		req, signed, err := p.cfg.Authenticity.Resolve(req)
		if err != nil {
			abortWithError(c, err)
			return
		}

		coll, action, err := p.resolveAction(c.Param("action"), req.Data.Attributes.CollectionName)
		if err != nil {
			abortWithError(c, err)
			return
		}

		bulk := req.Data.Attributes.Bulk()
		requester := req.Data.Attributes.RequesterID
		if signed && requester != nil {
			err = p.cfg.Authorization.AssertCanApproveCustomAction(ctx, user, coll.Name, action.Name, bulk, *requester)
		} else {
			err = p.cfg.Authorization.AssertCanTriggerCustomAction(ctx, user, coll.Name, action.Name, bulk)
		}
		if err != nil {
			p.deny(c, "smart_action", coll.Name, err)
			return
		}

		if err := p.cfg.Authorization.EnsureRecordIDsInScope(ctx, user, coll.Name, bulk); err != nil {
			p.deny(c, "smart_action", coll.Name, err)
			return
		}

		c.Set(ActionRequestKey, &req)
		c.Set(ActionKey, action)
		c.Set(ActionCollectionKey, coll)
		c.Next()
	}
}

// ActionHook resolves the action targeted by a load or change hook. Hooks only
// render the form, so the caller must be able to see the collection.
func (p *Permissions) ActionHook() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := MustGetUser(c)
		req, ok := p.bindActionRequest(c)
		if !ok {
			return
		}
		coll, action, err := p.resolveAction(c.Param("action"), req.Data.Attributes.CollectionName)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if err := p.cfg.Authorization.AssertCanBrowse(c.Request.Context(), user, coll.Name, ""); err != nil {
			p.deny(c, "action_hook", coll.Name, err)
			return
		}
		c.Set(ActionRequestKey, &req)
		c.Set(ActionKey, action)
		c.Set(ActionCollectionKey, coll)
		c.Next()
	}
}

// EnsureRecordIDsInScope rejects bulk requests targeting ids outside the user's scope.
// The decoded request is stored under ActionRequestKey.
func (p *Permissions) EnsureRecordIDsInScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := MustGetUser(c)
		collection := c.Param("collection")
		req, ok := p.bindActionRequest(c)
		if !ok {
			return
		}
		bulk := req.Data.Attributes.Bulk()
		if err := p.cfg.Authorization.EnsureRecordIDsInScope(c.Request.Context(), user, collection, bulk); err != nil {
			p.deny(c, "ids_in_scope", collection, err)
			return
		}
		c.Set(ActionRequestKey, &req)
		c.Next()
	}
}

type collectionCheckFunc func(ctx context.Context, user identity.User, c *gin.Context, collection string) error

func (p *Permissions) collectionCheck(operation string, check collectionCheckFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := MustGetUser(c)
		collection := c.Param("collection")
		if err := check(c.Request.Context(), user, c, collection); err != nil {
			p.deny(c, operation, collection, err)
			return
		}
		c.Next()
	}
}

func (p *Permissions) bindActionRequest(c *gin.Context) (authorization.ActionRequest, bool) {
	var req authorization.ActionRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		abortWithError(c, BindingError(err))
		return req, false
	}
	return req, true
}

// resolveAction finds the action behind a route segment. The collection named in
// the body wins when two collections declare actions with the same name.
func (p *Permissions) resolveAction(endpointOrName, collection string) (*schema.Collection, *schema.Action, error) {
	if coll, ok := p.cfg.Registry.Get(collection); ok {
		for _, a := range coll.Actions {
			if a.Endpoint == endpointOrName || a.Name == endpointOrName {
				return coll, a, nil
			}
		}
	}
	if coll, action, ok := p.cfg.Registry.FindAction(endpointOrName); ok {
		return coll, action, nil
	}
	return nil, nil, shared.NewNotFoundError("Action " + endpointOrName + " does not exist")
}

func (p *Permissions) deny(c *gin.Context, operation, collection string, err error) {
	if shared.IsForbidden(err) {
		p.cfg.Logger.Debug("Permission denied",
			zap.String("operation", operation),
			zap.String("collection", collection),
			zap.String("path", c.Request.URL.Path),
		)
	}
	abortWithError(c, err)
}

// abortWithError aborts the request with the JSON:API error document of err
func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	status, doc := dto.NewErrorDocument(err)
	c.AbortWithStatusJSON(status, doc)
}
