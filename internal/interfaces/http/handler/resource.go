package handler

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/liana/backend/internal/application/authorization"
	"github.com/liana/backend/internal/domain/filter"
	"github.com/liana/backend/internal/domain/identity"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/shared"
	"github.com/liana/backend/internal/domain/storage"
	"github.com/liana/backend/internal/interfaces/http/dto"
	"github.com/liana/backend/internal/interfaces/http/jsonapi"
	"github.com/liana/backend/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// ScopeProvider resolves the scope filter of a user on a collection
type ScopeProvider interface {
	GetScopeForUser(ctx context.Context, user identity.User, collection string) (*filter.Node, error)
}

// SelectionResolver turns a bulk request into the query of the records it targets
type SelectionResolver interface {
	SelectionQuery(ctx context.Context, user identity.User, collection string, bulk authorization.BulkRequest) (storage.Query, error)
}

// ResourceHandler serves the CRUD routes of every collection of the registry
type ResourceHandler struct {
	BaseHandler
	registry   *schema.Registry
	repo       storage.Repository
	scopes     ScopeProvider
	selection  SelectionResolver
	serializer *jsonapi.Serializer
	logger     *zap.Logger
}

// NewResourceHandler creates a new ResourceHandler
func NewResourceHandler(
	registry *schema.Registry,
	repo storage.Repository,
	scopes ScopeProvider,
	selection SelectionResolver,
	serializer *jsonapi.Serializer,
	logger *zap.Logger,
) *ResourceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceHandler{
		registry:   registry,
		repo:       repo,
		scopes:     scopes,
		selection:  selection,
		serializer: serializer,
		logger:     logger,
	}
}

// collection resolves the :collection route parameter
func (h *ResourceHandler) collection(c *gin.Context) (*schema.Collection, error) {
	name := c.Param("collection")
	coll, ok := h.registry.Get(name)
	if !ok {
		return nil, shared.NewNotFoundError(fmt.Sprintf("Collection %q not found", name))
	}
	return coll, nil
}

// prepare resolves the collection, the user and the user's scope of a request
func (h *ResourceHandler) prepare(c *gin.Context) (*schema.Collection, identity.User, *filter.Node, error) {
	coll, err := h.collection(c)
	if err != nil {
		return nil, identity.User{}, nil, err
	}
	user, err := currentUser(c)
	if err != nil {
		return nil, identity.User{}, nil, err
	}
	scope, err := h.scopes.GetScopeForUser(c.Request.Context(), user, coll.Name)
	if err != nil {
		return nil, identity.User{}, nil, shared.NewInternalError(err)
	}
	return coll, user, scope, nil
}

// List handles GET /forest/:collection
func (h *ResourceHandler) List(c *gin.Context) {
	coll, _, scope, err := h.prepare(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	params, err := parseListParams(c, coll)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	ctx := c.Request.Context()
	records, err := h.repo.List(ctx, coll, params.query(scope))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	doc, err := h.serializer.Serialize(ctx, coll, records, jsonapi.Options{
		Fields: params.Fields,
		Search: params.Search,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, doc)
}

// Count handles GET /forest/:collection/count
func (h *ResourceHandler) Count(c *gin.Context) {
	coll, _, scope, err := h.prepare(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	params, err := parseListParams(c, coll)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	count, err := h.repo.Count(c.Request.Context(), coll, params.query(scope))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.CountResponse{Count: count})
}

// Get handles GET /forest/:collection/:id
func (h *ResourceHandler) Get(c *gin.Context) {
	coll, _, scope, err := h.prepare(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	ctx := c.Request.Context()
	record, err := h.repo.Get(ctx, coll, c.Param("id"), storage.Query{Filter: scope})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	doc, err := h.serializer.SerializeOne(ctx, coll, record, jsonapi.Options{Fields: parseFields(c)})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, doc)
}

// Create handles POST /forest/:collection
func (h *ResourceHandler) Create(c *gin.Context) {
	coll, err := h.collection(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	var payload jsonapi.Payload
	if err := c.ShouldBindBodyWith(&payload, binding.JSON); err != nil {
		h.HandleError(c, middleware.BindingError(err))
		return
	}

	ctx := c.Request.Context()
	record, err := h.serializer.Deserialize(ctx, coll, payload)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	created, err := h.repo.Create(ctx, coll, record)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	doc, err := h.serializer.SerializeOne(ctx, coll, created, jsonapi.Options{})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, doc)
}

// Update handles PUT /forest/:collection/:id. Records outside the user's scope are not found.
func (h *ResourceHandler) Update(c *gin.Context) {
	coll, _, scope, err := h.prepare(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	var payload jsonapi.Payload
	if err := c.ShouldBindBodyWith(&payload, binding.JSON); err != nil {
		h.HandleError(c, middleware.BindingError(err))
		return
	}

	ctx := c.Request.Context()
	patch, err := h.serializer.Deserialize(ctx, coll, payload)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	updated, err := h.repo.Update(ctx, coll, c.Param("id"), patch, scope)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	doc, err := h.serializer.SerializeOne(ctx, coll, updated, jsonapi.Options{})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, doc)
}

// Delete handles DELETE /forest/:collection/:id
func (h *ResourceHandler) Delete(c *gin.Context) {
	coll, _, scope, err := h.prepare(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if err := h.repo.Delete(c.Request.Context(), coll, c.Param("id"), scope); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}

// DeleteMany handles DELETE /forest/:collection. The body selects the records like a
// bulk action; select-all requests are resolved under the user's scope first.
func (h *ResourceHandler) DeleteMany(c *gin.Context) {
	coll, user, scope, err := h.prepare(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	req, err := actionRequestFrom(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	ctx := c.Request.Context()
	bulk := req.Data.Attributes.Bulk()
	ids := bulk.IDs
	if bulk.AllRecords {
		q, err := h.selection.SelectionQuery(ctx, user, coll.Name, bulk)
		if err != nil {
			h.HandleError(c, err)
			return
		}
		if ids, err = h.repo.IDs(ctx, coll, q); err != nil {
			h.HandleError(c, err)
			return
		}
	}

	deleted, err := h.repo.DeleteMany(ctx, coll, ids, scope)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.logger.Info("Records deleted",
		zap.String("collection", coll.Name),
		zap.Int64("user_id", user.ID),
		zap.Int64("deleted", deleted))
	h.NoContent(c)
}

// HasMany handles GET /forest/:collection/:id/relationships/:field
func (h *ResourceHandler) HasMany(c *gin.Context) {
	coll, user, scope, err := h.prepare(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	target, params, q, err := h.relationshipQuery(c, coll, user)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := h.parentInScope(ctx, coll, c.Param("id"), scope); err != nil {
		h.HandleError(c, err)
		return
	}
	records, err := h.repo.HasMany(ctx, coll, c.Param("id"), c.Param("field"), q)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	doc, err := h.serializer.Serialize(ctx, target, records, jsonapi.Options{
		Fields: params.Fields,
		Search: params.Search,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, doc)
}

// CountHasMany handles GET /forest/:collection/:id/relationships/:field/count
func (h *ResourceHandler) CountHasMany(c *gin.Context) {
	coll, user, scope, err := h.prepare(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	_, _, q, err := h.relationshipQuery(c, coll, user)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := h.parentInScope(ctx, coll, c.Param("id"), scope); err != nil {
		h.HandleError(c, err)
		return
	}
	count, err := h.repo.CountHasMany(ctx, coll, c.Param("id"), c.Param("field"), q)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.CountResponse{Count: count})
}

// parentInScope fails with not found when the parent record is outside scope
func (h *ResourceHandler) parentInScope(ctx context.Context, coll *schema.Collection, id string, scope *filter.Node) error {
	if scope == nil {
		return nil
	}
	_, err := h.repo.Get(ctx, coll, id, storage.Query{Filter: scope})
	return err
}

// relationshipQuery resolves the related collection of :field and the query on it,
// restricted by the user's scope on the related collection
func (h *ResourceHandler) relationshipQuery(c *gin.Context, coll *schema.Collection, user identity.User) (*schema.Collection, listParams, storage.Query, error) {
	name := c.Param("field")
	f, ok := coll.FieldByName(name)
	if !ok || !f.IsToMany() {
		return nil, listParams{}, storage.Query{}, shared.NewNotFoundError(
			fmt.Sprintf("Relationship %s.%s not found", coll.Name, name))
	}
	target, ok := h.registry.Referenced(f)
	if !ok {
		return nil, listParams{}, storage.Query{}, shared.NewNotFoundError(
			fmt.Sprintf("Relationship %s.%s not found", coll.Name, name))
	}

	params, err := parseListParams(c, target)
	if err != nil {
		return nil, listParams{}, storage.Query{}, err
	}
	scope, err := h.scopes.GetScopeForUser(c.Request.Context(), user, target.Name)
	if err != nil {
		return nil, listParams{}, storage.Query{}, shared.NewInternalError(err)
	}
	return target, params, params.query(scope), nil
}

// actionRequestFrom returns the request decoded by the permission middleware, or decodes the body
func actionRequestFrom(c *gin.Context) (*authorization.ActionRequest, error) {
	if v, ok := c.Get(middleware.ActionRequestKey); ok {
		if req, ok := v.(*authorization.ActionRequest); ok {
			return req, nil
		}
	}
	var req authorization.ActionRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		return nil, middleware.BindingError(err)
	}
	return &req, nil
}
