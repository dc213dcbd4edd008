package filter

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/liana/backend/internal/domain/shared"
)

// Parse decodes a serialized filter tree. An empty string yields a nil tree.
func Parse(raw string) (*Node, error) {
	if raw == "" {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, invalid("filters must be valid JSON", err)
	}
	if dec.More() {
		return nil, invalid("filters must hold a single JSON value", nil)
	}
	if decoded == nil {
		return nil, nil
	}

	return ParseValue(decoded)
}

// ParseValue builds a tree from an already decoded JSON value
func ParseValue(raw any) (*Node, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, invalid(fmt.Sprintf("filters must be an object, got %T", raw), nil)
	}
	return parseNode(obj)
}

func parseNode(obj map[string]any) (*Node, error) {
	if len(obj) == 0 {
		return nil, invalid("empty condition in filters", nil)
	}

	if rawAggregator, ok := obj["aggregator"]; ok {
		return parseAggregation(rawAggregator, obj["conditions"])
	}
	return parseCondition(obj)
}

func parseAggregation(rawAggregator, rawConditions any) (*Node, error) {
	name, _ := rawAggregator.(string)
	aggregator := Aggregator(name)
	if !aggregator.IsValid() {
		return nil, invalid(fmt.Sprintf("unknown aggregator %v", rawAggregator), nil)
	}

	list, ok := rawConditions.([]any)
	if !ok {
		return nil, invalid("aggregation conditions must be an array", nil)
	}
	if len(list) == 0 {
		return nil, invalid("aggregation conditions must not be empty", nil)
	}

	node := &Node{Aggregator: aggregator, Conditions: make([]*Node, 0, len(list))}
	for _, item := range list {
		child, ok := item.(map[string]any)
		if !ok {
			return nil, invalid(fmt.Sprintf("condition must be an object, got %T", item), nil)
		}
		parsed, err := parseNode(child)
		if err != nil {
			return nil, err
		}
		node.Conditions = append(node.Conditions, parsed)
	}
	return node, nil
}

func parseCondition(obj map[string]any) (*Node, error) {
	field, _ := obj["field"].(string)
	operator, _ := obj["operator"].(string)
	if field == "" || operator == "" {
		return nil, invalid("condition requires a field and an operator", nil)
	}
	return &Node{Field: field, Operator: operator, Value: obj["value"]}, nil
}

func invalid(message string, cause error) error {
	err := shared.NewInvalidFiltersFormatError("Invalid filters format: " + message)
	if cause != nil {
		return err.WithCause(cause)
	}
	return err
}
