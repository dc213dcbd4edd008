package persistence

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/liana/backend/internal/domain/filter"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// sqlExpr is a WHERE fragment with "?" placeholders, rebound by GORM per dialect
type sqlExpr struct {
	SQL  string
	Vars []any
}

// alwaysFalse matches no row; used for empty "in" lists and searches with nothing to search
var alwaysFalse = sqlExpr{SQL: "1 = 0"}

// whereBuilder renders filter trees of one collection as SQL
type whereBuilder struct {
	registry   *schema.Registry
	collection *schema.Collection
	quote      func(string) string
	location   *time.Location
}

func (b *whereBuilder) build(node *filter.Node) (sqlExpr, error) {
	return filter.Evaluate(node, b.aggregate, b.condition)
}

func (b *whereBuilder) column(table, name string) string {
	return b.quote(table) + "." + b.quote(name)
}

func (b *whereBuilder) aggregate(aggregator filter.Aggregator, parts []sqlExpr) (sqlExpr, error) {
	joiner := " AND "
	if aggregator == filter.AggregatorOr {
		joiner = " OR "
	}

	sqls := make([]string, len(parts))
	var vars []any
	for i, p := range parts {
		sqls[i] = p.SQL
		vars = append(vars, p.Vars...)
	}
	return sqlExpr{SQL: "(" + strings.Join(sqls, joiner) + ")", Vars: vars}, nil
}

func (b *whereBuilder) condition(c *filter.Node) (sqlExpr, error) {
	if assoc, ok := c.Association(); ok {
		return b.associationCondition(assoc, c)
	}

	field, ok := b.collection.FieldByName(c.Field)
	if !ok {
		return sqlExpr{}, shared.NewInvalidFiltersFormatError(
			fmt.Sprintf("Field %q not found on collection %q", c.Field, b.collection.Name))
	}
	if field.IsVirtual() || field.IsToMany() {
		return sqlExpr{}, shared.NewInvalidFiltersFormatError(
			fmt.Sprintf("Field %q of collection %q cannot be filtered", c.Field, b.collection.Name))
	}
	return b.compare(b.column(b.collection.Name, field.Field), field, c.Operator, c.Value)
}

// associationCondition renders "assoc:field" as a subquery on the referenced collection
func (b *whereBuilder) associationCondition(assoc string, c *filter.Node) (sqlExpr, error) {
	field, ok := b.collection.FieldByName(assoc)
	if !ok || !field.IsToOne() || field.IsSmartRelationship() {
		return sqlExpr{}, shared.NewInvalidFiltersFormatError(
			fmt.Sprintf("Association %q not found on collection %q", assoc, b.collection.Name))
	}
	target, ok := b.registry.Referenced(field)
	if !ok {
		return sqlExpr{}, shared.NewInvalidFiltersFormatError(
			fmt.Sprintf("Association %q of collection %q has no known target", assoc, b.collection.Name))
	}
	ref, _ := field.Reference()

	inner := &whereBuilder{registry: b.registry, collection: target, quote: b.quote, location: b.location}
	_, sub, _ := strings.Cut(c.Field, ":")
	expr, err := inner.condition(filter.NewCondition(sub, c.Operator, c.Value))
	if err != nil {
		return sqlExpr{}, err
	}

	return sqlExpr{
		SQL: fmt.Sprintf("%s IN (SELECT %s FROM %s WHERE %s)",
			b.column(b.collection.Name, field.Field),
			inner.column(target.Name, ref.Key),
			b.quote(target.Name),
			expr.SQL),
		Vars: expr.Vars,
	}, nil
}

func (b *whereBuilder) compare(col string, field *schema.Field, operator string, raw any) (sqlExpr, error) {
	switch operator {
	case filter.OperatorPresent:
		return sqlExpr{SQL: col + " IS NOT NULL"}, nil
	case filter.OperatorBlank:
		if field.Type.Is(schema.TypeString) {
			return sqlExpr{SQL: fmt.Sprintf("(%s IS NULL OR %s = '')", col, col)}, nil
		}
		return sqlExpr{SQL: col + " IS NULL"}, nil
	case filter.OperatorIn:
		return b.in(col, field, raw, false)
	case filter.OperatorNotIn:
		return b.in(col, field, raw, true)
	case filter.OperatorContains, filter.OperatorNotContains, filter.OperatorStartsWith, filter.OperatorEndsWith:
		return like(col, operator, raw)
	}

	if raw == nil {
		switch operator {
		case filter.OperatorEqual:
			return sqlExpr{SQL: col + " IS NULL"}, nil
		case filter.OperatorNotEqual:
			return sqlExpr{SQL: col + " IS NOT NULL"}, nil
		}
	}

	value, err := coerceValue(field, raw, b.location)
	if err != nil {
		return sqlExpr{}, err
	}

	switch operator {
	case filter.OperatorEqual:
		return sqlExpr{SQL: col + " = ?", Vars: []any{value}}, nil
	case filter.OperatorNotEqual:
		return sqlExpr{SQL: col + " <> ?", Vars: []any{value}}, nil
	case filter.OperatorGreaterThan:
		return sqlExpr{SQL: col + " > ?", Vars: []any{value}}, nil
	case filter.OperatorLessThan:
		return sqlExpr{SQL: col + " < ?", Vars: []any{value}}, nil
	default:
		return sqlExpr{}, shared.NewInvalidFiltersFormatError(fmt.Sprintf("Unsupported operator %q", operator))
	}
}

func (b *whereBuilder) in(col string, field *schema.Field, raw any, negate bool) (sqlExpr, error) {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			items = append(items, strings.TrimSpace(s))
		}
	default:
		return sqlExpr{}, shared.NewInvalidFiltersFormatError(
			fmt.Sprintf("Operator \"in\" on %q expects a list of values", field.Field))
	}
	if len(items) == 0 {
		if negate {
			return sqlExpr{SQL: "1 = 1"}, nil
		}
		return alwaysFalse, nil
	}

	values := make([]any, len(items))
	for i, item := range items {
		v, err := coerceValue(field, item, b.location)
		if err != nil {
			return sqlExpr{}, err
		}
		values[i] = v
	}
	if negate {
		return sqlExpr{SQL: col + " NOT IN ?", Vars: []any{values}}, nil
	}
	return sqlExpr{SQL: col + " IN ?", Vars: []any{values}}, nil
}

// likeEscaper escapes the LIKE wildcards of user input; patterns declare ESCAPE '\'
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func like(col, operator string, raw any) (sqlExpr, error) {
	s, ok := raw.(string)
	if !ok {
		return sqlExpr{}, shared.NewInvalidFiltersFormatError(
			fmt.Sprintf("Operator %q expects a string value", operator))
	}
	s = likeEscaper.Replace(s)
	switch operator {
	case filter.OperatorContains:
		return sqlExpr{SQL: col + ` LIKE ? ESCAPE '\'`, Vars: []any{"%" + s + "%"}}, nil
	case filter.OperatorNotContains:
		return sqlExpr{SQL: col + ` NOT LIKE ? ESCAPE '\'`, Vars: []any{"%" + s + "%"}}, nil
	case filter.OperatorStartsWith:
		return sqlExpr{SQL: col + ` LIKE ? ESCAPE '\'`, Vars: []any{s + "%"}}, nil
	default:
		return sqlExpr{SQL: col + ` LIKE ? ESCAPE '\'`, Vars: []any{"%" + s}}, nil
	}
}

// coerceValue converts a filter literal to the Go value matching the field's type.
// To-one relationship fields are typed by their foreign key.
func coerceValue(field *schema.Field, raw any, location *time.Location) (any, error) {
	invalid := func(cause error) error {
		return shared.NewInvalidFiltersFormatError(
			fmt.Sprintf("Invalid value %v for field %q", raw, field.Field)).WithCause(cause)
	}

	switch {
	case field.Type.Is(schema.TypeNumber):
		d, err := toDecimal(raw)
		if err != nil {
			return nil, invalid(err)
		}
		if d.IsInteger() {
			if !d.BigInt().IsInt64() {
				return d.String(), nil
			}
			return d.IntPart(), nil
		}
		return d.InexactFloat64(), nil

	case field.Type.Is(schema.TypeBoolean):
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, invalid(err)
			}
			return b, nil
		}
		return nil, invalid(fmt.Errorf("unexpected %T", raw))

	case field.Type.Is(schema.TypeUUID):
		s, ok := raw.(string)
		if !ok {
			return nil, invalid(fmt.Errorf("unexpected %T", raw))
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, invalid(err)
		}
		return id.String(), nil

	case field.Type.Is(schema.TypeDate):
		s, ok := raw.(string)
		if !ok {
			return raw, nil
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, nil
		}
		if location == nil {
			location = time.UTC
		}
		t, err := time.ParseInLocation(time.DateOnly, s, location)
		if err != nil {
			return nil, invalid(err)
		}
		return t, nil

	case field.Type.Is(schema.TypeString), field.Type.Is(schema.TypeEnum):
		switch v := raw.(type) {
		case string:
			return v, nil
		case json.Number:
			return v.String(), nil
		}
		return raw, nil

	default:
		if n, ok := raw.(json.Number); ok {
			return n.String(), nil
		}
		return raw, nil
	}
}

func toDecimal(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case int32:
		return decimal.NewFromInt32(v), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected %T", raw)
	}
}
