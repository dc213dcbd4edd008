package schema

import (
	"context"
	"fmt"
	"strings"
)

// Record is one persisted entity, its loaded relationships and injected smart values.
type Record map[string]any

// Getter computes a smart field value for a record. Implementations may block;
// the injector calls getters concurrently.
type Getter func(ctx context.Context, record Record) (any, error)

// Setter maps a smart field value written by the UI onto the record
type Setter func(ctx context.Context, record Record, value any) (Record, error)

// FieldKind is the capability set of a field, fixed when the schema is built.
// The concrete kinds are PlainField, VirtualGetterField, VirtualSetterField,
// RelationshipField and IntegrationOwnedField.
type FieldKind interface {
	fieldKind()
}

// PlainField is a persisted column
type PlainField struct{}

// VirtualGetterField is a read-only smart field
type VirtualGetterField struct {
	Get Getter
}

// VirtualSetterField is a smart field that can also be written
type VirtualSetterField struct {
	Get Getter
	Set Setter
}

// RelationshipField points to another collection. A non-nil Get makes it a smart relationship.
type RelationshipField struct {
	Reference Reference
	Get       Getter
}

// IntegrationOwnedField is serialized by an external integration
type IntegrationOwnedField struct {
	Integration string
}

func (PlainField) fieldKind()            {}
func (VirtualGetterField) fieldKind()    {}
func (VirtualSetterField) fieldKind()    {}
func (RelationshipField) fieldKind()     {}
func (IntegrationOwnedField) fieldKind() {}

// Reference is the target of a relationship, written "collection.key"
type Reference struct {
	Collection string
	Key        string
}

// ParseReference parses "collection.key"
func ParseReference(raw string) (Reference, error) {
	collection, key, ok := strings.Cut(raw, ".")
	if !ok || collection == "" || key == "" {
		return Reference{}, fmt.Errorf("invalid reference %q, expected collection.key", raw)
	}
	return Reference{Collection: collection, Key: key}, nil
}

// String returns the "collection.key" form
func (r Reference) String() string {
	return r.Collection + "." + r.Key
}

// Field describes one field of a collection
type Field struct {
	Field        string    `validate:"required"`
	Type         FieldType
	Kind         FieldKind `validate:"required"`
	IsFilterable bool
	IsSortable   bool
	IsReadOnly   bool
	IsRequired   bool
	Enums        []string
}

// IsVirtual reports whether the value is computed rather than persisted
func (f *Field) IsVirtual() bool {
	switch k := f.Kind.(type) {
	case VirtualGetterField, VirtualSetterField:
		return true
	case RelationshipField:
		return k.Get != nil
	default:
		return false
	}
}

// Getter returns the smart field getter, if any
func (f *Field) Getter() (Getter, bool) {
	switch k := f.Kind.(type) {
	case VirtualGetterField:
		return k.Get, k.Get != nil
	case VirtualSetterField:
		return k.Get, k.Get != nil
	case RelationshipField:
		return k.Get, k.Get != nil
	default:
		return nil, false
	}
}

// Reference returns the relationship target, if any
func (f *Field) Reference() (Reference, bool) {
	if k, ok := f.Kind.(RelationshipField); ok {
		return k.Reference, true
	}
	return Reference{}, false
}

// IsToMany reports whether the field is a has-many relationship
func (f *Field) IsToMany() bool {
	_, ok := f.Reference()
	return ok && f.Type.IsArray()
}

// IsToOne reports whether the field is a belongs-to relationship
func (f *Field) IsToOne() bool {
	_, ok := f.Reference()
	return ok && !f.Type.IsArray()
}

// IsSmartRelationship reports whether the field is a relationship computed by a getter
func (f *Field) IsSmartRelationship() bool {
	k, ok := f.Kind.(RelationshipField)
	return ok && k.Get != nil
}

// Integration returns the integration owning the field, if any
func (f *Field) Integration() (string, bool) {
	if k, ok := f.Kind.(IntegrationOwnedField); ok {
		return k.Integration, true
	}
	return "", false
}
