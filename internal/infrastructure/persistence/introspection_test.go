package persistence

import (
	"context"
	"testing"

	"github.com/liana/backend/internal/domain/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestIntrospect(t *testing.T) {
	db := newSQLiteDatabase(t)
	for _, stmt := range []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, active BOOLEAN, born DATE, created_at DATETIME)`,
		`CREATE TABLE audit_log (message TEXT)`,
		`CREATE TABLE migrations (version INTEGER PRIMARY KEY)`,
	} {
		require.NoError(t, db.DB.Exec(stmt).Error)
	}

	collections, err := Introspect(context.Background(), db.DB,
		WithSkippedTables("migrations"),
		WithIntrospectionLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	require.Len(t, collections, 1)
	users := collections[0]
	assert.Equal(t, "users", users.Name)
	assert.Equal(t, []string{"id"}, users.PrimaryKeys)

	types := make(map[string]string, len(users.Fields))
	for _, f := range users.Fields {
		types[f.Field] = f.Type.Primitive
		assert.IsType(t, schema.PlainField{}, f.Kind)
	}
	assert.Equal(t, map[string]string{
		"id":         schema.TypeNumber,
		"name":       schema.TypeString,
		"active":     schema.TypeBoolean,
		"born":       schema.TypeDateonly,
		"created_at": schema.TypeDate,
	}, types)

	_, err = schema.NewRegistry(collections...)
	assert.NoError(t, err)
}

func TestColumnType(t *testing.T) {
	tests := []struct {
		dbType string
		want   string
	}{
		{"int4", schema.TypeNumber},
		{"BIGINT", schema.TypeNumber},
		{"numeric", schema.TypeNumber},
		{"float8", schema.TypeNumber},
		{"varchar", schema.TypeString},
		{"text", schema.TypeString},
		{"uuid", schema.TypeUUID},
		{"timestamptz", schema.TypeDate},
		{"date", schema.TypeDateonly},
		{"time", schema.TypeTime},
		{"bool", schema.TypeBoolean},
		{"jsonb", schema.TypeJSON},
		{"point", schema.TypePoint},
	}
	for _, tt := range tests {
		t.Run(tt.dbType, func(t *testing.T) {
			assert.Equal(t, tt.want, columnType(tt.dbType))
		})
	}
}
