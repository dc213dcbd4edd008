package forestapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewClient(Config{ServerURL: server.URL + "/", EnvSecret: testSecret},
		WithHTTPClient(server.Client()),
		WithClientLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing url", cfg: Config{EnvSecret: testSecret}},
		{name: "invalid url", cfg: Config{ServerURL: "not a url", EnvSecret: testSecret}},
		{name: "missing secret", cfg: Config{ServerURL: "https://api.example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestClient_FetchScopes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/liana/scopes", r.URL.Path)
		assert.Equal(t, "34", r.URL.Query().Get("renderingId"))
		assert.Equal(t, testSecret, r.Header.Get(SecretHeader))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"books": {
				"scope": {
					"filter": {"aggregator": "and", "conditions": [{"field": "team", "operator": "equal", "value": "$currentUser.team.name"}]},
					"dynamicScopesValues": {"users": {"7": {"$currentUser.team.name": "Operations"}}}
				}
			}
		}`))
	})

	scopes, err := c.FetchScopes(context.Background(), "34")
	require.NoError(t, err)
	require.Contains(t, scopes, "books")

	books := scopes["books"]
	require.NotNil(t, books.Filter)
	assert.Equal(t, "team", books.Filter.Conditions[0].Field)
	assert.Equal(t, "Operations", books.DynamicScopesValues.Users["7"]["$currentUser.team.name"])
}

func TestClient_Permissions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testSecret, r.Header.Get(SecretHeader))
		switch r.URL.Path {
		case "/liana/v4/permissions/environment":
			_, _ = w.Write([]byte(`{"collections":{"books":{"collection":{"browseEnabled":{"roles":[3]}},"actions":{}}}}`))
		case "/liana/v4/permissions/users":
			_, _ = w.Write([]byte(`[{"id":7,"email":"jane@example.com","roleId":3,"permissionLevel":"user"}]`))
		case "/liana/v4/permissions/renderings/34":
			_, _ = w.Write([]byte(`{"collections":{"books":{"segments":[{"id":1,"query":"SELECT id FROM books"}]}},"stats":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	env, err := c.EnvironmentPermissions(ctx)
	require.NoError(t, err)
	assert.True(t, env.Collection("books").Rights.Browse.Allows(3))

	users, err := c.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, int64(3), users[0].RoleID)

	rendering, err := c.RenderingPermissions(ctx, "34")
	require.NoError(t, err)
	assert.True(t, rendering.AllowsSegmentQuery("books", "SELECT id FROM books;"))
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "rejected secret", status: http.StatusUnauthorized, want: ErrInvalidSecret},
		{name: "server error", status: http.StatusInternalServerError, want: ErrRequestFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			_, err := c.FetchScopes(context.Background(), "1")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("invalid payload", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"books":{"scope":{"filter":{"aggregator":"xor","conditions":[]}}}}`))
		})
		_, err := c.FetchScopes(context.Background(), "1")
		assert.Error(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		server.Close()
		c, err := NewClient(Config{ServerURL: server.URL, EnvSecret: testSecret})
		require.NoError(t, err)

		_, err = c.Users(context.Background())
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}
