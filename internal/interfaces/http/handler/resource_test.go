package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/liana/backend/internal/application/authorization"
	"github.com/liana/backend/internal/application/smartfield"
	"github.com/liana/backend/internal/domain/filter"
	"github.com/liana/backend/internal/domain/identity"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/storage"
	"github.com/liana/backend/internal/infrastructure/config"
	"github.com/liana/backend/internal/infrastructure/persistence"
	"github.com/liana/backend/internal/interfaces/http/jsonapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testUser = identity.User{ID: 7, RenderingID: 34, RoleID: 2}

type fakeScopes struct {
	scopes map[string]*filter.Node
	err    error
}

func (f *fakeScopes) GetScopeForUser(_ context.Context, _ identity.User, collection string) (*filter.Node, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.scopes[collection], nil
}

// fakeSelection selects every record but the excluded ones, under the subset filters
type fakeSelection struct {
	registry *schema.Registry
	scopes   *fakeScopes
}

func (f *fakeSelection) SelectionQuery(ctx context.Context, user identity.User, collection string, bulk authorization.BulkRequest) (storage.Query, error) {
	coll, _ := f.registry.Get(collection)
	excluded, err := storage.ExcludeIDsFilter(coll, bulk.ExcludedIDs)
	if err != nil {
		return storage.Query{}, err
	}
	subset, err := filter.Parse(bulk.Filters)
	if err != nil {
		return storage.Query{}, err
	}
	scope, err := f.scopes.GetScopeForUser(ctx, user, collection)
	if err != nil {
		return storage.Query{}, err
	}
	return storage.Query{Filter: filter.And(subset, excluded, scope)}, nil
}

func usersRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	num := schema.Scalar(schema.TypeNumber)
	str := schema.Scalar(schema.TypeString)
	users := &schema.Collection{
		Name:         "users",
		PrimaryKeys:  []string{"id"},
		IsSearchable: true,
		Fields: []*schema.Field{
			{Field: "id", Type: num, Kind: schema.PlainField{}, IsSortable: true},
			{Field: "name", Type: str, Kind: schema.PlainField{}, IsSortable: true},
			{Field: "team", Type: str, Kind: schema.PlainField{}},
			{Field: "smart", Type: str, Kind: schema.VirtualGetterField{
				Get: func(context.Context, schema.Record) (any, error) { return "computed", nil },
			}},
			{Field: "addresses", Type: schema.ArrayOf(num), Kind: schema.RelationshipField{
				Reference: schema.Reference{Collection: "addresses", Key: "id"},
			}},
		},
		Segments: []*schema.Segment{
			{Name: "Operations", Filter: filter.NewCondition("team", filter.OperatorEqual, "Operations")},
		},
	}
	addresses := &schema.Collection{
		Name:        "addresses",
		PrimaryKeys: []string{"id"},
		Fields: []*schema.Field{
			{Field: "id", Type: num, Kind: schema.PlainField{}, IsSortable: true},
			{Field: "city", Type: str, Kind: schema.PlainField{}},
			{Field: "user", Type: num, Kind: schema.RelationshipField{
				Reference: schema.Reference{Collection: "users", Key: "id"},
			}},
		},
	}
	registry, err := schema.NewRegistry(users, addresses)
	require.NoError(t, err)
	return registry
}

type resourceFixture struct {
	engine   *gin.Engine
	db       *persistence.Database
	scopes   *fakeScopes
	registry *schema.Registry
}

func newResourceFixture(t *testing.T) *resourceFixture {
	t.Helper()
	db, err := persistence.NewDatabase(&config.DatabaseConfig{Driver: config.DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	for _, stmt := range []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, team TEXT)`,
		`CREATE TABLE addresses (id INTEGER PRIMARY KEY, city TEXT, "user" INTEGER)`,
		`INSERT INTO users (id, name, team) VALUES (1, 'jane', 'Operations'), (2, 'john', 'Sales'), (3, 'janet', 'Operations')`,
		`INSERT INTO addresses (id, city, "user") VALUES (10, 'Paris', 1), (11, 'Lyon', 1), (12, 'Rome', 2)`,
	} {
		require.NoError(t, db.DB.Exec(stmt).Error)
	}

	logger := zaptest.NewLogger(t)
	registry := usersRegistry(t)
	repo := persistence.NewGormResourceRepository(db.DB, registry, persistence.WithRepositoryLogger(logger))
	serializer := jsonapi.NewSerializer(registry, smartfield.NewInjector(registry), jsonapi.WithLogger(logger))
	scopes := &fakeScopes{scopes: map[string]*filter.Node{}}
	h := NewResourceHandler(registry, repo, scopes, &fakeSelection{registry: registry, scopes: scopes}, serializer, logger)

	engine := gin.New()
	g := engine.Group("/forest", func(c *gin.Context) {
		setUser(c, testUser)
		c.Next()
	})
	g.GET("/:collection", h.List)
	g.GET("/:collection/count", h.Count)
	g.POST("/:collection", h.Create)
	g.DELETE("/:collection", h.DeleteMany)
	g.GET("/:collection/:id", h.Get)
	g.PUT("/:collection/:id", h.Update)
	g.DELETE("/:collection/:id", h.Delete)
	g.GET("/:collection/:id/relationships/:field", h.HasMany)
	g.GET("/:collection/:id/relationships/:field/count", h.CountHasMany)

	return &resourceFixture{engine: engine, db: db, scopes: scopes, registry: registry}
}

func (f *resourceFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

type listDocument struct {
	Data []struct {
		Type          string                     `json:"type"`
		ID            string                     `json:"id"`
		Attributes    map[string]any             `json:"attributes"`
		Relationships map[string]json.RawMessage `json:"relationships"`
	} `json:"data"`
	Meta map[string]any `json:"meta"`
}

func decodeList(t *testing.T, w *httptest.ResponseRecorder) listDocument {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var doc listDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	return doc
}

func ids(doc listDocument) []string {
	out := make([]string, 0, len(doc.Data))
	for _, r := range doc.Data {
		out = append(out, r.ID)
	}
	return out
}

func TestResourceHandler_ListWithFilter(t *testing.T) {
	f := newResourceFixture(t)

	filters := url.QueryEscape(`{"field":"name","operator":"equal","value":"jane"}`)
	doc := decodeList(t, f.do(t, http.MethodGet, "/forest/users?filters="+filters+"&fields[users]=id,name", ""))

	require.Len(t, doc.Data, 1)
	assert.Equal(t, "users", doc.Data[0].Type)
	assert.Equal(t, "1", doc.Data[0].ID)
	assert.Equal(t, "jane", doc.Data[0].Attributes["name"])
	assert.NotContains(t, doc.Data[0].Attributes, "smart")
	assert.NotContains(t, doc.Data[0].Attributes, "team")
}

func TestResourceHandler_ListComputesRequestedSmartFields(t *testing.T) {
	f := newResourceFixture(t)

	doc := decodeList(t, f.do(t, http.MethodGet, "/forest/users?sort=id&fields[users]=id,name,smart", ""))

	require.Len(t, doc.Data, 3)
	for _, r := range doc.Data {
		assert.Equal(t, "computed", r.Attributes["smart"])
	}
}

func TestResourceHandler_ListAllFieldsWithoutProjection(t *testing.T) {
	f := newResourceFixture(t)

	doc := decodeList(t, f.do(t, http.MethodGet, "/forest/users?sort=-id&page[number]=1&page[size]=2", ""))

	assert.Equal(t, []string{"3", "2"}, ids(doc))
	assert.Equal(t, "computed", doc.Data[0].Attributes["smart"])
	assert.Equal(t, "Operations", doc.Data[0].Attributes["team"])
	assert.Contains(t, doc.Data[0].Relationships, "addresses")
}

func TestResourceHandler_ListAppliesScopeAndSegment(t *testing.T) {
	f := newResourceFixture(t)
	f.scopes.scopes["users"] = filter.NewCondition("name", filter.OperatorStartsWith, "jan")

	doc := decodeList(t, f.do(t, http.MethodGet, "/forest/users?sort=id", ""))
	assert.Equal(t, []string{"1", "3"}, ids(doc))

	f.scopes.scopes["users"] = filter.NewCondition("name", filter.OperatorNotEqual, "jane")
	doc = decodeList(t, f.do(t, http.MethodGet, "/forest/users?sort=id&segment=Operations", ""))
	assert.Equal(t, []string{"3"}, ids(doc))
}

func TestResourceHandler_ListSearchDecorators(t *testing.T) {
	f := newResourceFixture(t)

	doc := decodeList(t, f.do(t, http.MethodGet, "/forest/users?sort=id&search=sales", ""))

	assert.Equal(t, []string{"2"}, ids(doc))
	assert.Contains(t, doc.Meta, "decorators")
}

func TestResourceHandler_ListRejectsBadParams(t *testing.T) {
	f := newResourceFixture(t)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"malformed filters", "filters=" + url.QueryEscape(`{"field":`), http.StatusUnprocessableEntity},
		{"unknown segment", "segment=Nope", http.StatusBadRequest},
		{"negative page", "page[size]=-1", http.StatusBadRequest},
		{"bad timezone", "timezone=Mars%2FOlympus", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, "/forest/users?"+tt.query, "")
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestResourceHandler_UnknownCollection(t *testing.T) {
	f := newResourceFixture(t)

	w := f.do(t, http.MethodGet, "/forest/invoices", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResourceHandler_ScopeFailure(t *testing.T) {
	f := newResourceFixture(t)
	f.scopes.err = assert.AnError

	w := f.do(t, http.MethodGet, "/forest/users", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestResourceHandler_Count(t *testing.T) {
	f := newResourceFixture(t)
	f.scopes.scopes["users"] = filter.NewCondition("team", filter.OperatorEqual, "Operations")

	w := f.do(t, http.MethodGet, "/forest/users/count", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":2}`, w.Body.String())
}

func TestResourceHandler_Get(t *testing.T) {
	f := newResourceFixture(t)

	w := f.do(t, http.MethodGet, "/forest/addresses/10", "")
	require.Equal(t, http.StatusOK, w.Code)

	var doc struct {
		Data struct {
			ID            string `json:"id"`
			Relationships map[string]struct {
				Data *jsonapi.Identifier `json:"data"`
			} `json:"relationships"`
		} `json:"data"`
		Included []jsonapi.Resource `json:"included"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "10", doc.Data.ID)
	require.NotNil(t, doc.Data.Relationships["user"].Data)
	assert.Equal(t, "1", doc.Data.Relationships["user"].Data.ID)
	require.Len(t, doc.Included, 1)
	assert.Equal(t, "users", doc.Included[0].Type)

	t.Run("outside scope", func(t *testing.T) {
		f.scopes.scopes["addresses"] = filter.NewCondition("city", filter.OperatorEqual, "Rome")
		w := f.do(t, http.MethodGet, "/forest/addresses/10", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestResourceHandler_CreateAndUpdate(t *testing.T) {
	f := newResourceFixture(t)

	w := f.do(t, http.MethodPost, "/forest/addresses", `{"data":{"type":"addresses","attributes":{"city":"Berlin"},
		"relationships":{"user":{"data":{"type":"users","id":"2"}}}}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var created struct {
		Data jsonapi.Resource `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "Berlin", created.Data.Attributes["city"])
	require.NotEmpty(t, created.Data.ID)

	w = f.do(t, http.MethodPut, "/forest/addresses/"+created.Data.ID,
		`{"data":{"type":"addresses","id":"`+created.Data.ID+`","attributes":{"city":"Munich"}}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var city string
	require.NoError(t, f.db.DB.Raw(`SELECT city FROM addresses WHERE id = ?`, created.Data.ID).Scan(&city).Error)
	assert.Equal(t, "Munich", city)
}

func TestResourceHandler_CreateRejectsMalformedBody(t *testing.T) {
	f := newResourceFixture(t)

	w := f.do(t, http.MethodPost, "/forest/users", `{"data":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResourceHandler_UpdateOutsideScope(t *testing.T) {
	f := newResourceFixture(t)
	f.scopes.scopes["users"] = filter.NewCondition("team", filter.OperatorEqual, "Sales")

	w := f.do(t, http.MethodPut, "/forest/users/1", `{"data":{"type":"users","id":"1","attributes":{"name":"jo"}}}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResourceHandler_Delete(t *testing.T) {
	f := newResourceFixture(t)

	w := f.do(t, http.MethodDelete, "/forest/users/2", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodDelete, "/forest/users/2", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResourceHandler_DeleteMany(t *testing.T) {
	t.Run("explicit ids", func(t *testing.T) {
		f := newResourceFixture(t)

		w := f.do(t, http.MethodDelete, "/forest/users", `{"data":{"attributes":{"ids":["1","2"]}}}`)
		require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

		doc := decodeList(t, f.do(t, http.MethodGet, "/forest/users", ""))
		assert.Equal(t, []string{"3"}, ids(doc))
	})

	t.Run("all records but excluded", func(t *testing.T) {
		f := newResourceFixture(t)
		f.scopes.scopes["users"] = filter.NewCondition("team", filter.OperatorEqual, "Operations")

		w := f.do(t, http.MethodDelete, "/forest/users", `{"data":{"attributes":{
			"all_records":true,"all_records_ids_excluded":["3"],"all_records_subset_query":{}}}}`)
		require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

		f.scopes.scopes["users"] = nil
		doc := decodeList(t, f.do(t, http.MethodGet, "/forest/users?sort=id", ""))
		assert.Equal(t, []string{"2", "3"}, ids(doc))
	})
}

func TestResourceHandler_HasMany(t *testing.T) {
	f := newResourceFixture(t)

	doc := decodeList(t, f.do(t, http.MethodGet, "/forest/users/1/relationships/addresses?sort=id", ""))
	assert.Equal(t, []string{"10", "11"}, ids(doc))
	assert.Equal(t, "addresses", doc.Data[0].Type)

	f.scopes.scopes["addresses"] = filter.NewCondition("city", filter.OperatorEqual, "Lyon")
	w := f.do(t, http.MethodGet, "/forest/users/1/relationships/addresses/count", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":1}`, w.Body.String())
}

func TestResourceHandler_HasManyParentOutsideScope(t *testing.T) {
	f := newResourceFixture(t)
	f.scopes.scopes["users"] = filter.NewCondition("team", filter.OperatorEqual, "Sales")

	for _, path := range []string{
		"/forest/users/1/relationships/addresses",
		"/forest/users/1/relationships/addresses/count",
	} {
		w := f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}

	doc := decodeList(t, f.do(t, http.MethodGet, "/forest/users/2/relationships/addresses", ""))
	assert.Equal(t, []string{"12"}, ids(doc))
}

func TestResourceHandler_HasManyRequiresToManyField(t *testing.T) {
	f := newResourceFixture(t)

	for _, path := range []string{
		"/forest/users/1/relationships/name",
		"/forest/addresses/10/relationships/user",
		"/forest/users/1/relationships/nothing/count",
	} {
		w := f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}
