//go:build integration

package persistence

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/storage"
	"github.com/liana/backend/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

// newPostgresDatabase starts a disposable PostgreSQL container and connects to it
func newPostgresDatabase(t *testing.T) *Database {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("liana_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("admin123"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	db, err := NewDatabase(&config.DatabaseConfig{
		Driver:   config.DriverPostgres,
		Host:     host,
		Port:     port.Int(),
		User:     "postgres",
		Password: "admin123",
		DBName:   "liana_test",
		SSLMode:  "disable",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgres_IntrospectAndQuery(t *testing.T) {
	db := newPostgresDatabase(t)
	ctx := context.Background()

	for _, stmt := range []string{
		`CREATE TABLE customers (
			id SERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL,
			external_id UUID,
			settings JSONB,
			balance NUMERIC(12,2),
			signed_up DATE,
			updated_at TIMESTAMPTZ
		)`,
		`INSERT INTO customers (name, balance) VALUES ('Acme', 10.50), ('Globex', 0), ('Acme Europe', 3)`,
	} {
		require.NoError(t, db.DB.Exec(stmt).Error)
	}

	collections, err := Introspect(ctx, db.DB, WithIntrospectionLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.Len(t, collections, 1)

	customers := collections[0]
	assert.Equal(t, []string{"id"}, customers.PrimaryKeys)
	types := make(map[string]string, len(customers.Fields))
	for _, f := range customers.Fields {
		types[f.Field] = f.Type.Primitive
	}
	assert.Equal(t, map[string]string{
		"id":          schema.TypeNumber,
		"name":        schema.TypeString,
		"external_id": schema.TypeUUID,
		"settings":    schema.TypeJSON,
		"balance":     schema.TypeNumber,
		"signed_up":   schema.TypeDateonly,
		"updated_at":  schema.TypeDate,
	}, types)

	registry, err := schema.NewRegistry(collections...)
	require.NoError(t, err)
	repo := NewGormResourceRepository(db.DB, registry, WithRepositoryLogger(zaptest.NewLogger(t)))

	t.Run("search is case insensitive", func(t *testing.T) {
		records, err := repo.List(ctx, customers, storage.Query{
			Search: "acme",
			Sort:   []storage.Sort{{Field: "id"}},
		})
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "Acme", records[0]["name"])
		assert.Equal(t, "Acme Europe", records[1]["name"])
	})

	t.Run("filter and count", func(t *testing.T) {
		q := storage.Query{Filter: mustFilter(t, `{"field":"balance","operator":"greater_than","value":1}`)}
		count, err := repo.Count(ctx, customers, q)
		require.NoError(t, err)
		assert.EqualValues(t, 2, count)
	})

	t.Run("create then delete", func(t *testing.T) {
		created, err := repo.Create(ctx, customers, schema.Record{"name": "Initech"})
		require.NoError(t, err)
		id := fmt.Sprint(created["id"])
		_, err = strconv.Atoi(id)
		require.NoError(t, err)

		require.NoError(t, repo.Delete(ctx, customers, id, nil))
		_, err = repo.Get(ctx, customers, id, storage.Query{})
		assert.Error(t, err)
	})
}
