// Package filter models the boolean filter trees sent by the admin UI.
//
// A tree is made of conditions ({"field","operator","value"}) and aggregations
// ({"aggregator","conditions"}). Trees are parsed once per request and are not
// mutated afterwards; code that needs a variant works on a Clone.
package filter

import (
	"encoding/json"
	"strings"
)

// Aggregator joins the children of an aggregation node
type Aggregator string

const (
	AggregatorAnd Aggregator = "and"
	AggregatorOr  Aggregator = "or"
)

// IsValid reports whether the aggregator is supported
func (a Aggregator) IsValid() bool {
	return a == AggregatorAnd || a == AggregatorOr
}

// Operators understood by the storage layer
const (
	OperatorEqual       = "equal"
	OperatorNotEqual    = "not_equal"
	OperatorGreaterThan = "greater_than"
	OperatorLessThan    = "less_than"
	OperatorContains    = "contains"
	OperatorNotContains = "not_contains"
	OperatorStartsWith  = "starts_with"
	OperatorEndsWith    = "ends_with"
	OperatorPresent     = "present"
	OperatorBlank       = "blank"
	OperatorIn          = "in"
	OperatorNotIn       = "not_in"
)

// associationSeparator splits "assoc:field" condition fields
const associationSeparator = ":"

// Node is either a condition or an aggregation.
type Node struct {
	Aggregator Aggregator
	Conditions []*Node

	Field    string
	Operator string
	Value    any
}

// NewCondition builds a leaf node
func NewCondition(field, operator string, value any) *Node {
	return &Node{Field: field, Operator: operator, Value: value}
}

// NewAggregation builds an aggregation node
func NewAggregation(aggregator Aggregator, conditions ...*Node) *Node {
	return &Node{Aggregator: aggregator, Conditions: conditions}
}

// IsAggregation reports whether the node joins child nodes
func (n *Node) IsAggregation() bool {
	return n.Aggregator != ""
}

// Association returns the association prefix of a condition field
// ("author:name" -> "author") and whether there is one.
func (n *Node) Association() (string, bool) {
	assoc, _, found := strings.Cut(n.Field, associationSeparator)
	if !found {
		return "", false
	}
	return assoc, true
}

// Clone returns a deep copy of the tree. Slice and map values are copied one level deep.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		Aggregator: n.Aggregator,
		Field:      n.Field,
		Operator:   n.Operator,
		Value:      cloneValue(n.Value),
	}
	if n.Conditions != nil {
		out.Conditions = make([]*Node, len(n.Conditions))
		for i, c := range n.Conditions {
			out.Conditions[i] = c.Clone()
		}
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		copy(out, t)
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = val
		}
		return out
	default:
		return v
	}
}

// MarshalJSON emits the wire form of the node
func (n *Node) MarshalJSON() ([]byte, error) {
	if n.IsAggregation() {
		return json.Marshal(struct {
			Aggregator Aggregator `json:"aggregator"`
			Conditions []*Node    `json:"conditions"`
		}{n.Aggregator, n.Conditions})
	}
	return json.Marshal(struct {
		Field    string `json:"field"`
		Operator string `json:"operator"`
		Value    any    `json:"value"`
	}{n.Field, n.Operator, n.Value})
}

// String returns the JSON serialization of the tree, or "" for a nil tree
func (n *Node) String() string {
	if n == nil {
		return ""
	}
	b, err := json.Marshal(n)
	if err != nil {
		return ""
	}
	return string(b)
}

// And merges nodes with an "and" aggregation, skipping nil entries.
// No node yields nil and a single node is returned as is.
func And(nodes ...*Node) *Node {
	present := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		if n != nil {
			present = append(present, n)
		}
	}
	switch len(present) {
	case 0:
		return nil
	case 1:
		return present[0]
	default:
		return NewAggregation(AggregatorAnd, present...)
	}
}

// Walk calls fn for every condition of the tree, depth first
func Walk(n *Node, fn func(condition *Node)) {
	if n == nil {
		return
	}
	if !n.IsAggregation() {
		fn(n)
		return
	}
	for _, c := range n.Conditions {
		Walk(c, fn)
	}
}
