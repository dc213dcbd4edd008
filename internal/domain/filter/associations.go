package filter

// GetAssociations returns the distinct association names referenced by the
// conditions of a serialized filter, in order of first appearance.
func GetAssociations(raw string) ([]string, error) {
	node, err := Parse(raw)
	if err != nil || node == nil {
		return nil, err
	}
	return Associations(node)
}

// Associations is GetAssociations on a parsed tree
func Associations(node *Node) ([]string, error) {
	return Evaluate(node,
		func(_ Aggregator, results [][]string) ([]string, error) {
			seen := make(map[string]struct{})
			out := make([]string, 0)
			for _, list := range results {
				for _, name := range list {
					if _, ok := seen[name]; ok {
						continue
					}
					seen[name] = struct{}{}
					out = append(out, name)
				}
			}
			return out, nil
		},
		func(condition *Node) ([]string, error) {
			if assoc, ok := condition.Association(); ok {
				return []string{assoc}, nil
			}
			return nil, nil
		},
	)
}
