// Package scope holds the per-rendering dynamic filters restricting which
// records a user may see, as configured on the control plane.
package scope

import (
	"context"
	"encoding/json"
	"time"

	"github.com/liana/backend/internal/domain/filter"
)

// DefaultTTL is how long fetched scopes are served before a background refresh
const DefaultTTL = 300 * time.Second

// PlaceholderPrefix marks condition values resolved per user
const PlaceholderPrefix = "$"

// DynamicValues holds, per user id, the values of "$" placeholders
type DynamicValues struct {
	Users map[string]map[string]any `json:"users"`
}

// Scope is the dynamic filter of one collection
type Scope struct {
	Filter              *filter.Node
	DynamicScopesValues DynamicValues
}

// RenderingScopes is the cached state of one rendering
type RenderingScopes struct {
	FetchedAt time.Time
	Scopes    map[string]Scope
}

// IsStale reports whether the entry is older than ttl at now
func (r *RenderingScopes) IsStale(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.FetchedAt) >= ttl
}

// Fetcher loads the scopes of a rendering from the control plane
type Fetcher interface {
	FetchScopes(ctx context.Context, renderingID string) (map[string]Scope, error)
}

// Store caches rendering scopes. Get returns nil, nil on a miss.
type Store interface {
	Get(ctx context.Context, renderingID string) (*RenderingScopes, error)
	Set(ctx context.Context, renderingID string, entry *RenderingScopes) error
	Delete(ctx context.Context, renderingID string) error
}

// wireScope is the JSON form exchanged with the control plane and the Redis store
type wireScope struct {
	Scope struct {
		Filter              json.RawMessage `json:"filter"`
		DynamicScopesValues DynamicValues   `json:"dynamicScopesValues"`
	} `json:"scope"`
}

// DecodeScopes parses the control plane payload
// { [collection]: { scope: { filter, dynamicScopesValues } } }.
func DecodeScopes(payload []byte) (map[string]Scope, error) {
	var raw map[string]wireScope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]Scope, len(raw))
	for collection, ws := range raw {
		node, err := filter.Parse(string(ws.Scope.Filter))
		if err != nil {
			return nil, err
		}
		out[collection] = Scope{Filter: node, DynamicScopesValues: ws.Scope.DynamicScopesValues}
	}
	return out, nil
}

// EncodeScopes is the inverse of DecodeScopes
func EncodeScopes(scopes map[string]Scope) ([]byte, error) {
	raw := make(map[string]wireScope, len(scopes))
	for collection, s := range scopes {
		var ws wireScope
		ws.Scope.Filter = json.RawMessage("null")
		if s.Filter != nil {
			b, err := json.Marshal(s.Filter)
			if err != nil {
				return nil, err
			}
			ws.Scope.Filter = b
		}
		ws.Scope.DynamicScopesValues = s.DynamicScopesValues
		raw[collection] = ws
	}
	return json.Marshal(raw)
}
