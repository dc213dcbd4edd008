package storage

import (
	"fmt"

	"github.com/liana/backend/internal/domain/filter"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/shared"
)

// IDsFilter returns a filter matching exactly the records with the given JSON:API ids:
// "pk in ids" for a single primary key, an "or" of per-record "and" equalities
// for a composite one. No id yields nil.
func IDsFilter(collection *schema.Collection, ids []string) (*filter.Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	if !collection.HasCompositeKey() {
		values := make([]any, len(ids))
		for i, id := range ids {
			values[i] = id
		}
		return filter.NewCondition(collection.IDField(), filter.OperatorIn, values), nil
	}

	perRecord := make([]*filter.Node, 0, len(ids))
	for _, id := range ids {
		parts := collection.SplitID(id)
		if len(parts) != len(collection.PrimaryKeys) {
			return nil, shared.NewBadRequestError(fmt.Sprintf(
				"id %q of %s must hold %d values separated by %q",
				id, collection.Name, len(collection.PrimaryKeys), schema.CompositeIDSeparator))
		}
		equalities := make([]*filter.Node, len(parts))
		for i, part := range parts {
			equalities[i] = filter.NewCondition(collection.PrimaryKeys[i], filter.OperatorEqual, part)
		}
		perRecord = append(perRecord, filter.NewAggregation(filter.AggregatorAnd, equalities...))
	}
	if len(perRecord) == 1 {
		return perRecord[0], nil
	}
	return filter.NewAggregation(filter.AggregatorOr, perRecord...), nil
}

// IDFilter is IDsFilter for one id, written with equalities only
func IDFilter(collection *schema.Collection, id string) (*filter.Node, error) {
	parts := collection.SplitID(id)
	if len(parts) != len(collection.PrimaryKeys) {
		return nil, shared.NewNotFoundError(fmt.Sprintf("%s %q not found", collection.Name, id))
	}
	equalities := make([]*filter.Node, len(parts))
	for i, part := range parts {
		equalities[i] = filter.NewCondition(collection.PrimaryKeys[i], filter.OperatorEqual, part)
	}
	return filter.And(equalities...), nil
}

// ExcludeIDsFilter returns a filter matching every record but the given ids.
// Composite keys cannot be excluded this way and yield a BadRequest error.
func ExcludeIDsFilter(collection *schema.Collection, ids []string) (*filter.Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if collection.HasCompositeKey() {
		return nil, shared.NewBadRequestError(fmt.Sprintf(
			"records of %s cannot be excluded from a selection: composite primary key", collection.Name))
	}
	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	return filter.NewCondition(collection.IDField(), filter.OperatorNotIn, values), nil
}
