package filter

import "fmt"

// Evaluate folds the tree: leaves go through formatCondition, aggregations
// evaluate their children in order then go through formatAggregation.
//
// Every consumer of filter trees (SQL rendering, association extraction,
// placeholder substitution) is expressed as a pair of formatters.
func Evaluate[T any](node *Node, formatAggregation func(Aggregator, []T) (T, error), formatCondition func(*Node) (T, error)) (T, error) {
	var zero T
	if node == nil {
		return zero, fmt.Errorf("evaluate: nil filter node")
	}

	if !node.IsAggregation() {
		return formatCondition(node)
	}

	results := make([]T, 0, len(node.Conditions))
	for _, child := range node.Conditions {
		res, err := Evaluate(child, formatAggregation, formatCondition)
		if err != nil {
			return zero, err
		}
		results = append(results, res)
	}
	return formatAggregation(node.Aggregator, results)
}
