package jsonapi

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// Payload is the body of create and update requests
type Payload struct {
	Data PayloadData `json:"data"`
}

// PayloadData is the resource sent by the admin UI
type PayloadData struct {
	Type          string                         `json:"type"`
	ID            string                         `json:"id,omitempty"`
	Attributes    map[string]any                 `json:"attributes"`
	Relationships map[string]PayloadRelationship `json:"relationships,omitempty"`
}

// PayloadRelationship links a to-one field to a record, or clears it when Data is null
type PayloadRelationship struct {
	Data *Identifier `json:"data"`
}

// Deserialize turns a payload into a record of c. Attributes of computed or
// integration-owned fields are ignored; smart fields with a setter write through it.
func (s *Serializer) Deserialize(ctx context.Context, c *schema.Collection, p Payload) (schema.Record, error) {
	record := make(schema.Record, len(p.Data.Attributes)+len(p.Data.Relationships))
	type pendingSet struct {
		field string
		set   schema.Setter
		value any
	}
	var setters []pendingSet

	for key, value := range p.Data.Attributes {
		name := key
		if key == metaAttribute {
			name = "meta"
		}
		f, ok := c.FieldByName(name)
		if !ok {
			s.logger.Debug("Ignoring unknown attribute",
				zap.String("collection", c.Name),
				zap.String("attribute", key))
			continue
		}
		if f.IsReadOnly {
			continue
		}
		switch k := f.Kind.(type) {
		case schema.PlainField:
			record[name] = value
		case schema.VirtualSetterField:
			if k.Set != nil {
				setters = append(setters, pendingSet{field: name, set: k.Set, value: value})
			}
		}
	}

	for name, rel := range p.Data.Relationships {
		f, ok := c.FieldByName(name)
		if !ok || !f.IsToOne() || f.IsSmartRelationship() {
			continue
		}
		if rel.Data == nil {
			record[name] = nil
			continue
		}
		record[name] = rel.Data.ID
	}

	slices.SortFunc(setters, func(a, b pendingSet) int { return strings.Compare(a.field, b.field) })
	for _, ps := range setters {
		updated, err := ps.set(ctx, record, ps.value)
		if err != nil {
			return nil, shared.NewBadRequestError(fmt.Sprintf("Invalid value for %s.%s", c.Name, ps.field)).WithCause(err)
		}
		if updated != nil {
			record = updated
		}
	}
	return record, nil
}
