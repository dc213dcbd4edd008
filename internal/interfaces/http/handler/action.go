package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/liana/backend/internal/application/authorization"
	"github.com/liana/backend/internal/domain/identity"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/shared"
	"github.com/liana/backend/internal/domain/storage"
	"github.com/liana/backend/internal/infrastructure/telemetry"
	"github.com/liana/backend/internal/interfaces/http/dto"
	"github.com/liana/backend/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// ActionHandler runs custom actions and their form hooks
type ActionHandler struct {
	BaseHandler
	reader    storage.Reader
	selection SelectionResolver
	logger    *zap.Logger
}

// NewActionHandler creates a new ActionHandler
func NewActionHandler(reader storage.Reader, selection SelectionResolver, logger *zap.Logger) *ActionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActionHandler{reader: reader, selection: selection, logger: logger}
}

// hookRequest is the body of load and change hooks: the action request plus the form state
type hookRequest struct {
	Data struct {
		Attributes struct {
			authorization.ActionAttributes
			Fields       []hookField `json:"fields"`
			ChangedField *hookField  `json:"changed_field"`
		} `json:"attributes"`
	} `json:"data"`
}

// hookField is one form field as the admin UI sends it back
type hookField struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// target returns what the permission middleware resolved for the request
func target(c *gin.Context) (*schema.Collection, *schema.Action, *authorization.ActionRequest, error) {
	coll, _ := c.MustGet(middleware.ActionCollectionKey).(*schema.Collection)
	action, _ := c.MustGet(middleware.ActionKey).(*schema.Action)
	req, err := actionRequestFrom(c)
	if err != nil {
		return nil, nil, nil, err
	}
	return coll, action, req, nil
}

// Run handles POST /forest/actions/:action
func (h *ActionHandler) Run(c *gin.Context) {
	coll, action, req, err := target(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	user, err := currentUser(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if action.Handler == nil {
		h.HandleError(c, shared.NewNotFoundError(fmt.Sprintf("Action %q has no handler", action.Name)))
		return
	}

	ctx, span := telemetry.StartServiceSpan(c.Request.Context(), "action", "run",
		telemetry.WithAttribute("collection", coll.Name),
		telemetry.WithAttribute("action", action.Name))
	defer span.End()

	ids, err := h.recordIDs(c, coll, user, req.Data.Attributes.Bulk())
	if err != nil {
		h.HandleError(c, err)
		return
	}

	result, err := action.Handler(ctx, schema.ActionContext{
		User:       user,
		Collection: coll,
		Action:     action,
		RecordIDs:  ids,
		Values:     req.Data.Attributes.Values,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		h.HandleError(c, err)
		return
	}

	h.logger.Info("Action executed",
		zap.String("collection", coll.Name),
		zap.String("action", action.Name),
		zap.Int64("user_id", user.ID),
		zap.Int("records", len(ids)))

	if result.Error != "" {
		c.JSON(http.StatusBadRequest, result)
		return
	}
	h.Success(c, result)
}

// Load handles POST /forest/actions/:action/hooks/load
func (h *ActionHandler) Load(c *gin.Context) {
	h.hook(c, false)
}

// Change handles POST /forest/actions/:action/hooks/change
func (h *ActionHandler) Change(c *gin.Context) {
	h.hook(c, true)
}

func (h *ActionHandler) hook(c *gin.Context, change bool) {
	coll, action, _, err := target(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	user, err := currentUser(c)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	var body hookRequest
	if err := c.ShouldBindBodyWith(&body, binding.JSON); err != nil {
		h.HandleError(c, middleware.BindingError(err))
		return
	}
	attrs := body.Data.Attributes

	fields := withValues(action.Fields, attrs.Fields)
	hc := schema.HookContext{
		User:       user,
		Collection: coll.Name,
		RecordIDs:  attrs.IDs,
		Fields:     fields,
	}

	var hook schema.Hook
	if change {
		if attrs.ChangedField == nil {
			h.HandleError(c, shared.NewBadRequestError("changed_field is required"))
			return
		}
		hc.ChangedField = attrs.ChangedField.Field
		hook = changeHook(action, attrs.ChangedField.Field)
		if hook == nil {
			h.HandleError(c, shared.NewNotFoundError(
				fmt.Sprintf("No change hook on %s of action %q", attrs.ChangedField.Field, action.Name)))
			return
		}
	} else {
		hook = action.Hooks.Load
	}

	if hook != nil {
		if fields, err = hook(c.Request.Context(), hc); err != nil {
			h.HandleError(c, err)
			return
		}
	}
	h.Success(c, dto.NewActionHookResponse(fields))
}

// recordIDs returns the ids targeted by a bulk request, resolving select-all under the scope
func (h *ActionHandler) recordIDs(c *gin.Context, coll *schema.Collection, user identity.User, bulk authorization.BulkRequest) ([]string, error) {
	if !bulk.AllRecords {
		return bulk.IDs, nil
	}
	ctx := c.Request.Context()
	q, err := h.selection.SelectionQuery(ctx, user, coll.Name, bulk)
	if err != nil {
		return nil, err
	}
	return h.reader.IDs(ctx, coll, q)
}

// withValues copies the declared form and sets the values the UI sent back
func withValues(declared []schema.ActionField, sent []hookField) []schema.ActionField {
	values := make(map[string]any, len(sent))
	for _, f := range sent {
		values[f.Field] = f.Value
	}
	out := make([]schema.ActionField, len(declared))
	for i, f := range declared {
		if v, ok := values[f.Field]; ok {
			f.Value = v
		}
		out[i] = f
	}
	return out
}

func changeHook(action *schema.Action, field string) schema.Hook {
	for _, f := range action.Fields {
		if f.Field == field && f.Hook != "" {
			return action.Hooks.Change[f.Hook]
		}
	}
	return nil
}
