package authorization

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/liana/backend/internal/domain/filter"
	"github.com/liana/backend/internal/domain/identity"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/storage"
	"github.com/stretchr/testify/require"
)

// memCounter counts in-memory records matching a query filter. It understands
// the operators the authorization layer produces.
type memCounter struct {
	records []schema.Record
	calls   atomic.Int64
	err     error
}

func (m *memCounter) Count(_ context.Context, _ *schema.Collection, q storage.Query) (int64, error) {
	m.calls.Add(1)
	if m.err != nil {
		return 0, m.err
	}
	if q.Filter == nil {
		return int64(len(m.records)), nil
	}
	match, err := filter.Evaluate(q.Filter,
		func(aggregator filter.Aggregator, parts []func(schema.Record) bool) (func(schema.Record) bool, error) {
			return func(r schema.Record) bool {
				for _, p := range parts {
					if p(r) != (aggregator == filter.AggregatorAnd) {
						return aggregator != filter.AggregatorAnd
					}
				}
				return aggregator == filter.AggregatorAnd
			}, nil
		},
		func(c *filter.Node) (func(schema.Record) bool, error) {
			return conditionMatcher(c)
		})
	if err != nil {
		return 0, err
	}

	var n int64
	for _, r := range m.records {
		if match(r) {
			n++
		}
	}
	return n, nil
}

func conditionMatcher(c *filter.Node) (func(schema.Record) bool, error) {
	value := func(r schema.Record) string { return fmt.Sprint(r[c.Field]) }
	switch c.Operator {
	case filter.OperatorEqual:
		want := fmt.Sprint(c.Value)
		return func(r schema.Record) bool { return value(r) == want }, nil
	case filter.OperatorIn, filter.OperatorNotIn:
		var want []string
		for _, v := range c.Value.([]any) {
			want = append(want, fmt.Sprint(v))
		}
		in := c.Operator == filter.OperatorIn
		return func(r schema.Record) bool { return slices.Contains(want, value(r)) == in }, nil
	default:
		return nil, fmt.Errorf("operator %q not supported", c.Operator)
	}
}

// fakeScopes serves a fixed scope per collection
type fakeScopes struct {
	scopes map[string]*filter.Node
	err    error
}

func (f *fakeScopes) GetScopeForUser(_ context.Context, _ identity.User, collection string) (*filter.Node, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.scopes[collection], nil
}

func mustParse(t *testing.T, raw string) *filter.Node {
	t.Helper()
	node, err := filter.Parse(raw)
	require.NoError(t, err)
	return node
}

func booksRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	registry, err := schema.NewRegistry(&schema.Collection{
		Name:        "books",
		PrimaryKeys: []string{"id"},
		Fields: []*schema.Field{
			{Field: "id", Type: schema.Scalar(schema.TypeNumber), Kind: schema.PlainField{}},
			{Field: "team", Type: schema.Scalar(schema.TypeString), Kind: schema.PlainField{}},
			{Field: "status", Type: schema.Scalar(schema.TypeString), Kind: schema.PlainField{}},
		},
		Segments: []*schema.Segment{
			{Name: "paid", Filter: filter.NewCondition("status", filter.OperatorEqual, "paid")},
		},
	})
	require.NoError(t, err)
	return registry
}

// books: 1 and 2 belong to Operations, 3 to Sales
func booksRecords() []schema.Record {
	return []schema.Record{
		{"id": "1", "team": "Operations", "status": "paid"},
		{"id": "2", "team": "Operations", "status": "draft"},
		{"id": "3", "team": "Sales", "status": "paid"},
	}
}
