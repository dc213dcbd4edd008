package schema

import (
	"context"

	"github.com/liana/backend/internal/domain/identity"
)

// Action types
const (
	ActionTypeBulk   = "bulk"
	ActionTypeGlobal = "global"
	ActionTypeSingle = "single"
)

// Action is a custom (smart) action declared on a collection
type Action struct {
	Name       string `validate:"required"`
	Type       string `validate:"required,oneof=bulk global single"`
	Fields     []ActionField
	Hooks      ActionHooks
	Endpoint   string
	HTTPMethod string `validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	// Handler runs the action once the request passed authorization.
	Handler ActionHandler
}

// ID returns the stable action identifier "collection.action"
func (a *Action) ID(collection string) string {
	return collection + "." + a.Name
}

// ActionField is one input of an action form
type ActionField struct {
	Field        string `validate:"required"`
	Type         FieldType
	Reference    string
	Description  string
	IsRequired   bool
	IsReadOnly   bool
	Enums        []string
	DefaultValue any
	Value        any
	// Hook names an entry of ActionHooks.Change run when the field changes.
	Hook string
}

// HookContext is passed to load and change hooks
type HookContext struct {
	User       identity.User
	Collection string
	RecordIDs  []string
	Fields     []ActionField
	// ChangedField is set for change hooks
	ChangedField string
}

// Hook rewrites an action form
type Hook func(ctx context.Context, hc HookContext) ([]ActionField, error)

// ActionHooks holds the load hook and the change hooks keyed by name
type ActionHooks struct {
	Load   Hook
	Change map[string]Hook
}

// ActionContext is passed to an action handler
type ActionContext struct {
	User       identity.User
	Collection *Collection
	Action     *Action
	RecordIDs  []string
	Values     map[string]any
}

// ActionResult is what the UI shows after an action ran
type ActionResult struct {
	Success  string         `json:"success,omitempty"`
	Error    string         `json:"error,omitempty"`
	HTML     string         `json:"html,omitempty"`
	Redirect string         `json:"redirectTo,omitempty"`
	Refresh  map[string]any `json:"refresh,omitempty"`
}

// ActionHandler executes an action
type ActionHandler func(ctx context.Context, ac ActionContext) (ActionResult, error)
