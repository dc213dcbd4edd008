package schema

import (
	"strings"

	"github.com/liana/backend/internal/domain/filter"
)

// Pagination types
const (
	PaginationPage   = "page"
	PaginationCursor = "cursor"
)

// CompositeIDSeparator joins the primary key values of a composite id
const CompositeIDSeparator = "|"

// Collection describes one collection exposed to the admin UI
type Collection struct {
	Name                 string   `validate:"required"`
	PrimaryKeys          []string `validate:"required,min=1,dive,required"`
	IsVirtual            bool
	IsSearchable         bool
	OnlyForRelationships bool
	PaginationType       string   `validate:"omitempty,oneof=page cursor"`
	Fields               []*Field `validate:"dive"`
	Actions              []*Action
	Segments             []*Segment

	fieldIndex map[string]*Field
}

// IDField returns the first primary key
func (c *Collection) IDField() string {
	if len(c.PrimaryKeys) == 0 {
		return ""
	}
	return c.PrimaryKeys[0]
}

// HasCompositeKey reports whether records are identified by several keys
func (c *Collection) HasCompositeKey() bool {
	return len(c.PrimaryKeys) > 1
}

// FieldByName looks a field up by name
func (c *Collection) FieldByName(name string) (*Field, bool) {
	if c.fieldIndex != nil {
		f, ok := c.fieldIndex[name]
		return f, ok
	}
	for _, f := range c.Fields {
		if f.Field == name {
			return f, true
		}
	}
	return nil, false
}

// ActionByName looks an action up by name
func (c *Collection) ActionByName(name string) (*Action, bool) {
	for _, a := range c.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// SegmentByName looks a segment up by name
func (c *Collection) SegmentByName(name string) (*Segment, bool) {
	for _, s := range c.Segments {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// RecordID returns the JSON:API id of a record, joining composite keys with "|"
func (c *Collection) RecordID(record Record) string {
	parts := make([]string, 0, len(c.PrimaryKeys))
	for _, pk := range c.PrimaryKeys {
		parts = append(parts, FormatID(record[pk]))
	}
	return strings.Join(parts, CompositeIDSeparator)
}

// SplitID splits a JSON:API id into its primary key values
func (c *Collection) SplitID(id string) []string {
	if !c.HasCompositeKey() {
		return []string{id}
	}
	return strings.Split(id, CompositeIDSeparator)
}

// Segment is a named, predefined view of a collection
type Segment struct {
	Name   string `validate:"required"`
	Filter *filter.Node
	// Query is a live SQL query; only its permission is checked here.
	Query string
}
