// Package jsonapi turns records into the JSON:API documents the admin UI reads.
package jsonapi

import "encoding/json"

// Document is a JSON:API top-level document. Data is a *Resource or a []*Resource.
type Document struct {
	Data     any            `json:"data"`
	Included []*Resource    `json:"included,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Resource is one serialized record
type Resource struct {
	Type          string                   `json:"type"`
	ID            string                   `json:"id"`
	Attributes    map[string]any           `json:"attributes,omitempty"`
	Relationships map[string]*Relationship `json:"relationships,omitempty"`
}

// Identifier points to a resource
type Identifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Link is a JSON:API link object
type Link struct {
	Href string `json:"href"`
}

// RelationshipLinks holds the links of a relationship
type RelationshipLinks struct {
	Related Link `json:"related"`
}

// Relationship is a to-one or to-many relationship. To-one relationships always
// carry data, null when nothing is related; to-many ones are links only.
type Relationship struct {
	Links   RelationshipLinks
	Data    *Identifier
	HasData bool
}

// MarshalJSON emits "data" only for to-one relationships
func (r *Relationship) MarshalJSON() ([]byte, error) {
	out := map[string]any{"links": r.Links}
	if r.HasData {
		out["data"] = r.Data
	}
	return json.Marshal(out)
}

// Decorator lists the searched fields of one record that matched the search
type Decorator struct {
	ID     string   `json:"id"`
	Search []string `json:"search"`
}
