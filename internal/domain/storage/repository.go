// Package storage declares what the HTTP layer needs from the host
// application's data store. Implementations live in infrastructure.
package storage

import (
	"context"
	"time"

	"github.com/liana/backend/internal/domain/filter"
	"github.com/liana/backend/internal/domain/schema"
)

// Default and maximum page sizes of list requests
const (
	DefaultPageSize = 15
	MaxPageSize     = 1000
)

// Page is a 1-based page request
type Page struct {
	Number int
	Size   int
}

// Offset returns the number of rows to skip
func (p Page) Offset() int {
	if p.Number <= 1 {
		return 0
	}
	return (p.Number - 1) * p.Limit()
}

// Limit returns the page size, defaulted and capped
func (p Page) Limit() int {
	switch {
	case p.Size <= 0:
		return DefaultPageSize
	case p.Size > MaxPageSize:
		return MaxPageSize
	default:
		return p.Size
	}
}

// Sort orders results on one field
type Sort struct {
	Field      string
	Descending bool
}

// ParseSort parses "field" or "-field"
func ParseSort(raw string) (Sort, bool) {
	if raw == "" {
		return Sort{}, false
	}
	if raw[0] == '-' {
		return Sort{Field: raw[1:], Descending: true}, raw != "-"
	}
	return Sort{Field: raw}, true
}

// Query describes which records a read targets. Filter already carries the user's scope.
type Query struct {
	Filter *filter.Node
	Search string
	// SearchExtended also searches the string fields of to-one relationships.
	SearchExtended bool
	// SegmentQuery is a live SQL query returning the primary keys in the segment.
	SegmentQuery string
	Sort         []Sort
	Page         Page
	Timezone     *time.Location
}

// Reader fetches records
type Reader interface {
	List(ctx context.Context, collection *schema.Collection, q Query) ([]schema.Record, error)
	Count(ctx context.Context, collection *schema.Collection, q Query) (int64, error)
	// Get returns the record with the given JSON:API id, restricted by q.Filter.
	// A missing record yields a NotFound error.
	Get(ctx context.Context, collection *schema.Collection, id string, q Query) (schema.Record, error)
	// HasMany lists the records of a to-many relationship of the record id.
	HasMany(ctx context.Context, collection *schema.Collection, id, field string, q Query) ([]schema.Record, error)
	CountHasMany(ctx context.Context, collection *schema.Collection, id, field string, q Query) (int64, error)
	// IDs returns the JSON:API ids of every record matching q, ignoring pagination.
	IDs(ctx context.Context, collection *schema.Collection, q Query) ([]string, error)
}

// Writer changes records
type Writer interface {
	Create(ctx context.Context, collection *schema.Collection, record schema.Record) (schema.Record, error)
	Update(ctx context.Context, collection *schema.Collection, id string, patch schema.Record, scope *filter.Node) (schema.Record, error)
	Delete(ctx context.Context, collection *schema.Collection, id string, scope *filter.Node) error
	DeleteMany(ctx context.Context, collection *schema.Collection, ids []string, scope *filter.Node) (int64, error)
}

// Counter is the part of Reader the authorization layer uses
type Counter interface {
	Count(ctx context.Context, collection *schema.Collection, q Query) (int64, error)
}

// Repository is a complete storage implementation
type Repository interface {
	Reader
	Writer
}
