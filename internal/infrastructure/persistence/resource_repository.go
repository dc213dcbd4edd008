package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/liana/backend/internal/domain/filter"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/shared"
	"github.com/liana/backend/internal/domain/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GormResourceRepository implements storage.Repository on any table described by the
// schema registry. Records are read and written as column maps; a to-one relationship
// field is the foreign key column and is replaced by the referenced record on reads.
type GormResourceRepository struct {
	db       *gorm.DB
	registry *schema.Registry
	logger   *zap.Logger
}

// ResourceRepositoryOption configures a GormResourceRepository
type ResourceRepositoryOption func(*GormResourceRepository)

// WithRepositoryLogger sets the logger
func WithRepositoryLogger(logger *zap.Logger) ResourceRepositoryOption {
	return func(r *GormResourceRepository) {
		r.logger = logger
	}
}

// NewGormResourceRepository creates a new GormResourceRepository
func NewGormResourceRepository(db *gorm.DB, registry *schema.Registry, opts ...ResourceRepositoryOption) *GormResourceRepository {
	r := &GormResourceRepository{db: db, registry: registry, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ storage.Repository = (*GormResourceRepository)(nil)

func (r *GormResourceRepository) quote(name string) string {
	var b strings.Builder
	r.db.Dialector.QuoteTo(&b, name)
	return b.String()
}

func (r *GormResourceRepository) builder(c *schema.Collection, location *time.Location) *whereBuilder {
	return &whereBuilder{registry: r.registry, collection: c, quote: r.quote, location: location}
}

// persisted reports whether a field maps to a column of the collection's table
func persisted(f *schema.Field) bool {
	if f.IsVirtual() || f.IsToMany() {
		return false
	}
	_, integrated := f.Integration()
	return !integrated
}

func (r *GormResourceRepository) selectColumns(c *schema.Collection) string {
	b := r.builder(c, nil)
	cols := make([]string, 0, len(c.Fields))
	for _, f := range c.Fields {
		if persisted(f) {
			cols = append(cols, b.column(c.Name, f.Field))
		}
	}
	return strings.Join(cols, ", ")
}

// filtered returns a query on the collection's table restricted by q, without selection,
// ordering nor pagination
func (r *GormResourceRepository) filtered(ctx context.Context, c *schema.Collection, q storage.Query, extra ...sqlExpr) (*gorm.DB, error) {
	tx := r.db.WithContext(ctx).Table(c.Name)
	b := r.builder(c, q.Timezone)

	if q.Filter != nil {
		expr, err := b.build(q.Filter)
		if err != nil {
			return nil, err
		}
		tx = tx.Where(expr.SQL, expr.Vars...)
	}

	if search := strings.TrimSpace(q.Search); search != "" {
		expr := r.searchExpr(c, search, q.SearchExtended, b)
		tx = tx.Where(expr.SQL, expr.Vars...)
	}

	if segment := strings.TrimSuffix(strings.TrimSpace(q.SegmentQuery), ";"); segment != "" {
		if c.HasCompositeKey() {
			return nil, shared.NewBadRequestError(
				fmt.Sprintf("Live query segments are not supported on %s, which has a composite key", c.Name))
		}
		tx = tx.Where(fmt.Sprintf("%s IN (%s)", b.column(c.Name, c.IDField()), segment))
	}

	for _, e := range extra {
		tx = tx.Where(e.SQL, e.Vars...)
	}
	return tx, nil
}

// searchExpr matches the search string against the String columns of the collection,
// the primary key when the search looks like one and, when extended, the String
// columns of to-one targets.
func (r *GormResourceRepository) searchExpr(c *schema.Collection, search string, extended bool, b *whereBuilder) sqlExpr {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(search)) + "%"
	var parts []string
	var vars []any

	for _, f := range c.Fields {
		if !persisted(f) {
			continue
		}
		col := b.column(c.Name, f.Field)
		switch {
		case f.Type.Is(schema.TypeString) && !f.IsToOne():
			parts = append(parts, "LOWER("+col+`) LIKE ? ESCAPE '\'`)
			vars = append(vars, pattern)
		case f.Type.Is(schema.TypeUUID):
			if id, err := uuid.Parse(search); err == nil {
				parts = append(parts, col+" = ?")
				vars = append(vars, id.String())
			}
		case f.Type.Is(schema.TypeNumber) && f.Field == c.IDField():
			if n, err := strconv.ParseInt(search, 10, 64); err == nil {
				parts = append(parts, col+" = ?")
				vars = append(vars, n)
			}
		}
	}

	if extended {
		for _, f := range c.Fields {
			if !f.IsToOne() || f.IsSmartRelationship() {
				continue
			}
			target, ok := r.registry.Referenced(f)
			if !ok {
				continue
			}
			ref, _ := f.Reference()
			var inner []string
			for _, tf := range target.Fields {
				if persisted(tf) && tf.Type.Is(schema.TypeString) && !tf.IsToOne() {
					inner = append(inner, "LOWER("+b.column(target.Name, tf.Field)+`) LIKE ? ESCAPE '\'`)
					vars = append(vars, pattern)
				}
			}
			if len(inner) == 0 {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s IN (SELECT %s FROM %s WHERE %s)",
				b.column(c.Name, f.Field),
				b.column(target.Name, ref.Key),
				r.quote(target.Name),
				strings.Join(inner, " OR ")))
		}
	}

	if len(parts) == 0 {
		return alwaysFalse
	}
	return sqlExpr{SQL: "(" + strings.Join(parts, " OR ") + ")", Vars: vars}
}

func (r *GormResourceRepository) order(tx *gorm.DB, c *schema.Collection, sorts []storage.Sort) (*gorm.DB, error) {
	b := r.builder(c, nil)
	if len(sorts) == 0 {
		for _, pk := range c.PrimaryKeys {
			tx = tx.Order(b.column(c.Name, pk) + " DESC")
		}
		return tx, nil
	}

	for _, s := range sorts {
		f, ok := c.FieldByName(s.Field)
		if !ok || !persisted(f) || !(f.IsSortable || isPrimaryKey(c, f.Field)) {
			return nil, shared.NewBadRequestError(fmt.Sprintf("Cannot sort %s on %q", c.Name, s.Field))
		}
		direction := " ASC"
		if s.Descending {
			direction = " DESC"
		}
		tx = tx.Order(b.column(c.Name, f.Field) + direction)
	}
	return tx, nil
}

func isPrimaryKey(c *schema.Collection, name string) bool {
	for _, pk := range c.PrimaryKeys {
		if pk == name {
			return true
		}
	}
	return false
}

func (r *GormResourceRepository) find(ctx context.Context, c *schema.Collection, q storage.Query, paginate bool, extra ...sqlExpr) ([]schema.Record, error) {
	tx, err := r.filtered(ctx, c, q, extra...)
	if err != nil {
		return nil, err
	}
	tx, err = r.order(tx, c, q.Sort)
	if err != nil {
		return nil, err
	}
	tx = tx.Select(r.selectColumns(c))
	if paginate {
		tx = tx.Offset(q.Page.Offset()).Limit(q.Page.Limit())
	}

	var rows []map[string]any
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c.Name, err)
	}

	records := toRecords(rows)
	if err := r.loadToOne(ctx, c, records); err != nil {
		return nil, err
	}
	return records, nil
}

// List returns one page of records
func (r *GormResourceRepository) List(ctx context.Context, c *schema.Collection, q storage.Query) ([]schema.Record, error) {
	return r.find(ctx, c, q, true)
}

// Count counts the records matching q
func (r *GormResourceRepository) Count(ctx context.Context, c *schema.Collection, q storage.Query) (int64, error) {
	tx, err := r.filtered(ctx, c, q)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c.Name, err)
	}
	return n, nil
}

// Get returns one record by JSON:API id
func (r *GormResourceRepository) Get(ctx context.Context, c *schema.Collection, id string, q storage.Query) (schema.Record, error) {
	byID, err := storage.IDFilter(c, id)
	if err != nil {
		return nil, err
	}
	q.Filter = filter.And(byID, q.Filter)
	q.Page = storage.Page{Number: 1, Size: 1}
	q.Search = ""
	q.SegmentQuery = ""
	q.Sort = nil

	records, err := r.find(ctx, c, q, true)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, shared.NewNotFoundError(fmt.Sprintf("%s %q not found", c.Name, id))
	}
	return records[0], nil
}

// hasManyCondition resolves a to-many field into its target collection and the
// condition joining target rows to the parent record
func (r *GormResourceRepository) hasManyCondition(c *schema.Collection, id, fieldName string) (*schema.Collection, sqlExpr, error) {
	field, ok := c.FieldByName(fieldName)
	if !ok || !field.IsToMany() || field.IsSmartRelationship() {
		return nil, sqlExpr{}, shared.NewNotFoundError(
			fmt.Sprintf("Relationship %q not found on %s", fieldName, c.Name))
	}
	target, ok := r.registry.Referenced(field)
	if !ok {
		return nil, sqlExpr{}, shared.NewNotFoundError(
			fmt.Sprintf("Relationship %q of %s has no known target", fieldName, c.Name))
	}

	for _, tf := range target.Fields {
		ref, isRef := tf.Reference()
		if !isRef || !tf.IsToOne() || tf.IsSmartRelationship() || ref.Collection != c.Name {
			continue
		}
		parentKey, ok := c.FieldByName(ref.Key)
		if !ok {
			break
		}
		value, err := coerceValue(parentKey, id, nil)
		if err != nil {
			return nil, sqlExpr{}, shared.NewNotFoundError(fmt.Sprintf("%s %q not found", c.Name, id))
		}
		b := r.builder(target, nil)
		return target, sqlExpr{SQL: b.column(target.Name, tf.Field) + " = ?", Vars: []any{value}}, nil
	}

	return nil, sqlExpr{}, shared.NewNotFoundError(
		fmt.Sprintf("Relationship %q of %s has no inverse on %s", fieldName, c.Name, target.Name))
}

// HasMany lists the records of a to-many relationship
func (r *GormResourceRepository) HasMany(ctx context.Context, c *schema.Collection, id, field string, q storage.Query) ([]schema.Record, error) {
	target, join, err := r.hasManyCondition(c, id, field)
	if err != nil {
		return nil, err
	}
	return r.find(ctx, target, q, true, join)
}

// CountHasMany counts the records of a to-many relationship
func (r *GormResourceRepository) CountHasMany(ctx context.Context, c *schema.Collection, id, field string, q storage.Query) (int64, error) {
	target, join, err := r.hasManyCondition(c, id, field)
	if err != nil {
		return 0, err
	}
	tx, err := r.filtered(ctx, target, q, join)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", target.Name, err)
	}
	return n, nil
}

// IDs returns the JSON:API ids of every record matching q
func (r *GormResourceRepository) IDs(ctx context.Context, c *schema.Collection, q storage.Query) ([]string, error) {
	tx, err := r.filtered(ctx, c, q)
	if err != nil {
		return nil, err
	}
	b := r.builder(c, nil)
	cols := make([]string, len(c.PrimaryKeys))
	for i, pk := range c.PrimaryKeys {
		cols[i] = b.column(c.Name, pk)
	}

	var rows []map[string]any
	if err := tx.Select(strings.Join(cols, ", ")).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list %s ids: %w", c.Name, err)
	}

	ids := make([]string, len(rows))
	for i, row := range toRecords(rows) {
		ids[i] = c.RecordID(row)
	}
	return ids, nil
}

// loadToOne replaces foreign key values of to-one relationships by the referenced
// records, one query per relationship. Referenced records are not expanded further.
func (r *GormResourceRepository) loadToOne(ctx context.Context, c *schema.Collection, records []schema.Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, f := range c.Fields {
		if !f.IsToOne() || f.IsSmartRelationship() {
			continue
		}
		target, ok := r.registry.Referenced(f)
		if !ok {
			continue
		}
		ref, _ := f.Reference()

		seen := make(map[string]struct{})
		var keys []any
		for _, rec := range records {
			v := rec[f.Field]
			if v == nil {
				continue
			}
			k := schema.FormatID(v)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, v)
		}

		byKey := make(map[string]schema.Record, len(keys))
		if len(keys) > 0 {
			b := r.builder(target, nil)
			var rows []map[string]any
			err := r.db.WithContext(ctx).
				Table(target.Name).
				Select(r.selectColumns(target)).
				Where(b.column(target.Name, ref.Key)+" IN ?", keys).
				Find(&rows).Error
			if err != nil {
				return fmt.Errorf("failed to load %s of %s: %w", f.Field, c.Name, err)
			}
			for _, row := range toRecords(rows) {
				byKey[schema.FormatID(row[ref.Key])] = row
			}
		}

		for _, rec := range records {
			v := rec[f.Field]
			if v == nil {
				continue
			}
			if related, ok := byKey[schema.FormatID(v)]; ok {
				rec[f.Field] = related
			} else {
				r.logger.Debug("Dangling reference",
					zap.String("collection", c.Name),
					zap.String("field", f.Field),
					zap.String("key", schema.FormatID(v)))
				rec[f.Field] = nil
			}
		}
	}
	return nil
}

// Create inserts a record and returns it as stored
func (r *GormResourceRepository) Create(ctx context.Context, c *schema.Collection, record schema.Record) (schema.Record, error) {
	values, err := columnValues(c, record)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, shared.NewBadRequestError(fmt.Sprintf("No value to insert into %s", c.Name))
	}

	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	vars := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = r.quote(col)
		placeholders[i] = "?"
		vars[i] = values[col]
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		r.quote(c.Name), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	var rows []map[string]any
	if err := r.db.WithContext(ctx).Raw(stmt, vars...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", c.Name, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("failed to create %s: no row returned", c.Name)
	}

	created := keepPersisted(c, toRecords(rows)[0])
	if err := r.loadToOne(ctx, c, []schema.Record{created}); err != nil {
		return nil, err
	}
	return created, nil
}

// Update patches the record id if it is within scope, then returns it
func (r *GormResourceRepository) Update(ctx context.Context, c *schema.Collection, id string, patch schema.Record, scope *filter.Node) (schema.Record, error) {
	values, err := columnValues(c, patch)
	if err != nil {
		return nil, err
	}
	for _, pk := range c.PrimaryKeys {
		delete(values, pk)
	}

	if len(values) > 0 {
		where, err := r.recordsWhere(c, []string{id}, scope, true)
		if err != nil {
			return nil, err
		}
		res := r.db.WithContext(ctx).Table(c.Name).Where(where.SQL, where.Vars...).Updates(values)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to update %s: %w", c.Name, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, shared.NewNotFoundError(fmt.Sprintf("%s %q not found", c.Name, id))
		}
	}

	return r.Get(ctx, c, id, storage.Query{Filter: scope})
}

// Delete removes the record id if it is within scope
func (r *GormResourceRepository) Delete(ctx context.Context, c *schema.Collection, id string, scope *filter.Node) error {
	n, err := r.deleteWhere(ctx, c, []string{id}, scope, true)
	if err != nil {
		return err
	}
	if n == 0 {
		return shared.NewNotFoundError(fmt.Sprintf("%s %q not found", c.Name, id))
	}
	return nil
}

// DeleteMany removes the records ids that are within scope and returns how many were removed
func (r *GormResourceRepository) DeleteMany(ctx context.Context, c *schema.Collection, ids []string, scope *filter.Node) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return r.deleteWhere(ctx, c, ids, scope, false)
}

func (r *GormResourceRepository) deleteWhere(ctx context.Context, c *schema.Collection, ids []string, scope *filter.Node, single bool) (int64, error) {
	where, err := r.recordsWhere(c, ids, scope, single)
	if err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", r.quote(c.Name), where.SQL)
	res := r.db.WithContext(ctx).Exec(stmt, where.Vars...)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete %s: %w", c.Name, res.Error)
	}
	return res.RowsAffected, nil
}

func (r *GormResourceRepository) recordsWhere(c *schema.Collection, ids []string, scope *filter.Node, single bool) (sqlExpr, error) {
	var byID *filter.Node
	var err error
	if single {
		byID, err = storage.IDFilter(c, ids[0])
	} else {
		byID, err = storage.IDsFilter(c, ids)
	}
	if err != nil {
		return sqlExpr{}, err
	}
	return r.builder(c, nil).build(filter.And(byID, scope))
}

// columnValues maps a record onto column values, dropping computed fields.
// A to-one value given as a record is reduced to its referenced key.
func columnValues(c *schema.Collection, record schema.Record) (map[string]any, error) {
	values := make(map[string]any, len(record))
	for name, v := range record {
		f, ok := c.FieldByName(name)
		if !ok || !persisted(f) {
			continue
		}
		if f.IsToOne() {
			if nested, ok := asRecord(v); ok {
				ref, _ := f.Reference()
				v = nested[ref.Key]
			}
		}
		value, err := columnValue(f, v)
		if err != nil {
			return nil, shared.NewBadRequestError(fmt.Sprintf("Invalid value for %s.%s", c.Name, name)).WithCause(err)
		}
		values[name] = value
	}
	return values, nil
}

func columnValue(f *schema.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if f.Type.Is(schema.TypeJSON) || f.Type.Is(schema.TypePoint) || f.Type.IsObject() || f.Type.IsArray() {
		switch v.(type) {
		case map[string]any, []any, schema.Record:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			return string(b), nil
		}
		return v, nil
	}
	return coerceValue(f, v, nil)
}

func asRecord(v any) (schema.Record, bool) {
	switch t := v.(type) {
	case schema.Record:
		return t, true
	case map[string]any:
		return schema.Record(t), true
	}
	return nil, false
}

func keepPersisted(c *schema.Collection, rec schema.Record) schema.Record {
	out := make(schema.Record, len(rec))
	for _, f := range c.Fields {
		if !persisted(f) {
			continue
		}
		if v, ok := rec[f.Field]; ok {
			out[f.Field] = v
		}
	}
	return out
}

func toRecords(rows []map[string]any) []schema.Record {
	records := make([]schema.Record, len(rows))
	for i, row := range rows {
		rec := make(schema.Record, len(row))
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			rec[k] = v
		}
		records[i] = rec
	}
	return records
}
