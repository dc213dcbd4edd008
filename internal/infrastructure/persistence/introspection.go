package persistence

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/liana/backend/internal/domain/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IntrospectOption configures Introspect
type IntrospectOption func(*introspector)

type introspector struct {
	skip   []string
	logger *zap.Logger
}

// WithSkippedTables leaves the named tables out of the schema
func WithSkippedTables(tables ...string) IntrospectOption {
	return func(i *introspector) {
		i.skip = append(i.skip, tables...)
	}
}

// WithIntrospectionLogger sets the logger
func WithIntrospectionLogger(logger *zap.Logger) IntrospectOption {
	return func(i *introspector) {
		i.logger = logger
	}
}

// Introspect builds one collection per table of db. Every column becomes a plain,
// sortable field; tables without a primary key cannot be addressed and are skipped.
func Introspect(ctx context.Context, db *gorm.DB, opts ...IntrospectOption) ([]*schema.Collection, error) {
	in := &introspector{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(in)
	}

	migrator := db.WithContext(ctx).Migrator()
	tables, err := migrator.GetTables()
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	slices.Sort(tables)

	collections := make([]*schema.Collection, 0, len(tables))
	for _, table := range tables {
		if strings.HasPrefix(table, "sqlite_") || slices.Contains(in.skip, table) {
			continue
		}
		columns, err := migrator.ColumnTypes(table)
		if err != nil {
			return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
		}

		c := &schema.Collection{Name: table, IsSearchable: true}
		for _, col := range columns {
			if pk, ok := col.PrimaryKey(); ok && pk {
				c.PrimaryKeys = append(c.PrimaryKeys, col.Name())
			}
			c.Fields = append(c.Fields, &schema.Field{
				Field:      col.Name(),
				Type:       schema.Scalar(columnType(col.DatabaseTypeName())),
				Kind:       schema.PlainField{},
				IsSortable: true,
			})
		}
		if len(c.PrimaryKeys) == 0 {
			in.logger.Warn("Skipping table without primary key", zap.String("table", table))
			continue
		}
		collections = append(collections, c)
	}
	return collections, nil
}

// columnType maps a database column type to the primitive the admin UI shows
func columnType(dbType string) string {
	t := strings.ToLower(dbType)
	switch {
	case t == "uuid":
		return schema.TypeUUID
	case t == "date":
		return schema.TypeDateonly
	case strings.HasPrefix(t, "timestamp"), t == "datetime":
		return schema.TypeDate
	case strings.HasPrefix(t, "time"):
		return schema.TypeTime
	case strings.HasPrefix(t, "bool"):
		return schema.TypeBoolean
	case strings.HasPrefix(t, "json"):
		return schema.TypeJSON
	case t == "point":
		return schema.TypePoint
	case strings.Contains(t, "int"), strings.HasPrefix(t, "numeric"), strings.HasPrefix(t, "decimal"),
		strings.HasPrefix(t, "float"), strings.HasPrefix(t, "double"), t == "real", t == "money":
		return schema.TypeNumber
	default:
		return schema.TypeString
	}
}
