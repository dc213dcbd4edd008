package dto

import "github.com/liana/backend/internal/domain/schema"

// NewActionHookResponse converts an action form to the hook response body
func NewActionHookResponse(fields []schema.ActionField) ActionHookResponse {
	out := make([]ActionFormField, 0, len(fields))
	for _, f := range fields {
		out = append(out, ActionFormField{
			Field:        f.Field,
			Type:         TypeName(f.Type),
			Reference:    optional(f.Reference),
			Description:  optional(f.Description),
			IsRequired:   f.IsRequired,
			IsReadOnly:   f.IsReadOnly,
			Enums:        f.Enums,
			DefaultValue: f.DefaultValue,
			Value:        f.Value,
			Hook:         optional(f.Hook),
		})
	}
	return ActionHookResponse{Fields: out}
}

// TypeName renders a field type the way the admin UI expects it: a primitive
// name, a one-element array for arrays, an object of field types for nested shapes
func TypeName(t schema.FieldType) any {
	switch {
	case t.IsArray():
		if t.Elem == nil {
			return []any{}
		}
		return []any{TypeName(*t.Elem)}
	case t.IsObject():
		fields := make([]map[string]any, 0, len(t.Fields))
		for _, nf := range t.Fields {
			fields = append(fields, map[string]any{"field": nf.Field, "type": TypeName(nf.Type)})
		}
		return map[string]any{"fields": fields}
	default:
		return t.Primitive
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
