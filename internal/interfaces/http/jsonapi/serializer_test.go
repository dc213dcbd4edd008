package jsonapi

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/liana/backend/internal/application/smartfield"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func field(name string, t schema.FieldType) *schema.Field {
	return &schema.Field{Field: name, Type: t, Kind: schema.PlainField{}}
}

func relation(name string, t schema.FieldType, collection string) *schema.Field {
	return &schema.Field{Field: name, Type: t, Kind: schema.RelationshipField{
		Reference: schema.Reference{Collection: collection, Key: "id"},
	}}
}

func smart(name string, v any) *schema.Field {
	return &schema.Field{Field: name, Type: schema.Scalar(schema.TypeString), Kind: schema.VirtualGetterField{
		Get: func(context.Context, schema.Record) (any, error) { return v, nil },
	}}
}

var (
	str = schema.Scalar(schema.TypeString)
	num = schema.Scalar(schema.TypeNumber)
)

type fixture struct {
	users      *schema.Collection
	serializer *Serializer
}

func newFixture(t *testing.T, userFields []*schema.Field, opts ...Option) fixture {
	t.Helper()
	companies := &schema.Collection{Name: "companies", PrimaryKeys: []string{"id"},
		Fields: []*schema.Field{field("id", num), field("name", str)}}
	addresses := &schema.Collection{Name: "addresses", PrimaryKeys: []string{"id"},
		Fields: []*schema.Field{field("id", num), field("city", str)}}
	users := &schema.Collection{Name: "users", PrimaryKeys: []string{"id"},
		Fields: append([]*schema.Field{field("id", num)}, userFields...)}

	registry, err := schema.NewRegistry(companies, addresses, users)
	require.NoError(t, err)
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return fixture{
		users:      users,
		serializer: NewSerializer(registry, smartfield.NewInjector(registry), opts...),
	}
}

func marshal(t *testing.T, doc *Document) string {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return string(raw)
}

func TestSerialize_AttributesAndRelationships(t *testing.T) {
	f := newFixture(t, []*schema.Field{
		field("name", str),
		relation("company", num, "companies"),
		relation("addresses", schema.ArrayOf(num), "addresses"),
	})
	records := []schema.Record{{"id": 1, "name": "jane", "company": schema.Record{"id": 5, "name": "Acme"}}}

	doc, err := f.serializer.Serialize(context.Background(), f.users, records, Options{})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"data": [{
			"type": "users",
			"id": "1",
			"attributes": {"id": 1, "name": "jane"},
			"relationships": {
				"company": {
					"data": {"type": "companies", "id": "5"},
					"links": {"related": {"href": "/forest/users/1/relationships/company"}}
				},
				"addresses": {
					"links": {"related": {"href": "/forest/users/1/relationships/addresses"}}
				}
			}
		}],
		"included": [{"type": "companies", "id": "5", "attributes": {"id": 5, "name": "Acme"}}]
	}`, marshal(t, doc))
}

func TestSerialize_ToOneValues(t *testing.T) {
	f := newFixture(t, []*schema.Field{relation("company", num, "companies")})

	tests := []struct {
		name         string
		value        any
		wantData     string
		wantIncluded int
	}{
		{name: "missing", value: nil, wantData: `null`},
		{name: "foreign key only", value: int64(5), wantData: `{"type":"companies","id":"5"}`},
		{name: "loaded record", value: map[string]any{"id": 5, "name": "Acme"}, wantData: `{"type":"companies","id":"5"}`, wantIncluded: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := f.serializer.SerializeOne(context.Background(), f.users,
				schema.Record{"id": 1, "company": tt.value}, Options{})
			require.NoError(t, err)

			res := doc.Data.(*Resource)
			raw, err := json.Marshal(res.Relationships["company"])
			require.NoError(t, err)
			var rel map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(raw, &rel))
			assert.JSONEq(t, tt.wantData, string(rel["data"]))
			assert.Len(t, doc.Included, tt.wantIncluded)
		})
	}
}

func TestSerialize_IncludesSharedRecordOnce(t *testing.T) {
	f := newFixture(t, []*schema.Field{relation("company", num, "companies")})
	acme := schema.Record{"id": 5, "name": "Acme"}

	doc, err := f.serializer.Serialize(context.Background(), f.users,
		[]schema.Record{{"id": 1, "company": acme}, {"id": 2, "company": acme}}, Options{})

	require.NoError(t, err)
	assert.Len(t, doc.Data, 2)
	assert.Len(t, doc.Included, 1)
}

func TestSerialize_MetaFieldIsRenamed(t *testing.T) {
	f := newFixture(t, []*schema.Field{field("meta", schema.Scalar(schema.TypeJSON))})

	doc, err := f.serializer.SerializeOne(context.Background(), f.users,
		schema.Record{"id": 1, "meta": map[string]any{"plan": "pro"}}, Options{})

	require.NoError(t, err)
	attrs := doc.Data.(*Resource).Attributes
	assert.NotContains(t, attrs, "meta")
	assert.Equal(t, map[string]any{"plan": "pro"}, attrs["forest-meta"])
}

type fakeIntegrator struct {
	err error
}

func (i fakeIntegrator) Serialize(_ context.Context, integration string, _ *schema.Collection, f *schema.Field, r schema.Record) (any, error) {
	if i.err != nil {
		return nil, i.err
	}
	return integration + ":" + f.Field + ":" + schema.FormatID(r["id"]), nil
}

func TestSerialize_IntegrationFields(t *testing.T) {
	crm := &schema.Field{Field: "crm", Type: schema.Scalar(schema.TypeJSON), Kind: schema.IntegrationOwnedField{Integration: "close.io"}}

	t.Run("delegated to the integrator", func(t *testing.T) {
		f := newFixture(t, []*schema.Field{crm}, WithIntegrator(fakeIntegrator{}))
		doc, err := f.serializer.SerializeOne(context.Background(), f.users, schema.Record{"id": 1}, Options{})
		require.NoError(t, err)
		assert.Equal(t, "close.io:crm:1", doc.Data.(*Resource).Attributes["crm"])
	})

	t.Run("integrator failure", func(t *testing.T) {
		f := newFixture(t, []*schema.Field{crm}, WithIntegrator(fakeIntegrator{err: errors.New("unreachable")}))
		_, err := f.serializer.SerializeOne(context.Background(), f.users, schema.Record{"id": 1}, Options{})
		assert.ErrorContains(t, err, "unreachable")
	})

	t.Run("no integrator", func(t *testing.T) {
		f := newFixture(t, []*schema.Field{crm})
		doc, err := f.serializer.SerializeOne(context.Background(), f.users, schema.Record{"id": 1, "crm": "raw"}, Options{})
		require.NoError(t, err)
		assert.NotContains(t, doc.Data.(*Resource).Attributes, "crm")
	})
}

func TestSerialize_NestedObjects(t *testing.T) {
	address := schema.ObjectOf(
		schema.NestedField{Field: "street", Type: str},
		schema.NestedField{Field: "geo", Type: schema.ObjectOf(schema.NestedField{Field: "lat", Type: num})},
	)
	f := newFixture(t, []*schema.Field{
		field("address", address),
		field("previous", schema.ArrayOf(address)),
	})
	record := schema.Record{
		"id":      1,
		"address": map[string]any{"street": "Main St", "secret": "x", "geo": map[string]any{"lat": 48.8, "lng": 2.3}},
		"previous": []any{
			map[string]any{"street": "Old St", "internal": true},
		},
	}

	doc, err := f.serializer.SerializeOne(context.Background(), f.users, record, Options{})

	require.NoError(t, err)
	attrs := doc.Data.(*Resource).Attributes
	assert.Equal(t, map[string]any{"street": "Main St", "geo": map[string]any{"lat": 48.8}}, attrs["address"])
	assert.Equal(t, []any{map[string]any{"street": "Old St"}}, attrs["previous"])
}

func TestSerialize_FieldTransforms(t *testing.T) {
	birthday := time.Date(1990, time.March, 9, 0, 0, 0, 0, time.UTC)

	t.Run("date only and point", func(t *testing.T) {
		f := newFixture(t, []*schema.Field{
			field("birthday", schema.Scalar(schema.TypeDateonly)),
			field("signup", schema.Scalar(schema.TypeDateonly)),
			field("location", schema.Scalar(schema.TypePoint)),
			field("office", schema.Scalar(schema.TypePoint)),
		})
		record := schema.Record{
			"id":       1,
			"birthday": birthday,
			"signup":   "2024-01-02T00:00:00Z",
			"location": map[string]any{"type": "Point", "coordinates": []any{2.35, 48.85}},
			"office":   map[string]any{"x": 1.5, "y": 2.5},
		}

		doc, err := f.serializer.SerializeOne(context.Background(), f.users, record, Options{})

		require.NoError(t, err)
		attrs := doc.Data.(*Resource).Attributes
		assert.Equal(t, "1990-03-09", attrs["birthday"])
		assert.Equal(t, "2024-01-02", attrs["signup"])
		assert.Equal(t, []any{2.35, 48.85}, attrs["location"])
		assert.Equal(t, []any{1.5, 2.5}, attrs["office"])
	})

	t.Run("custom date only formatter", func(t *testing.T) {
		f := newFixture(t, []*schema.Field{field("birthday", schema.Scalar(schema.TypeDateonly))},
			WithDateOnlyFormatter(func(v any) any {
				return v.(time.Time).Add(time.Hour).Format(time.RFC3339)
			}))

		doc, err := f.serializer.SerializeOne(context.Background(), f.users,
			schema.Record{"id": 1, "birthday": birthday}, Options{})

		require.NoError(t, err)
		assert.Equal(t, "1990-03-09T01:00:00Z", doc.Data.(*Resource).Attributes["birthday"])
	})
}

func TestSerialize_RequestedFields(t *testing.T) {
	f := newFixture(t, []*schema.Field{field("name", str), field("email", str), smart("smart", "computed")})
	ctx := context.Background()

	t.Run("smart field requested", func(t *testing.T) {
		doc, err := f.serializer.SerializeOne(ctx, f.users, schema.Record{"id": 1, "name": "jane", "email": "j@x.io"},
			Options{Fields: smartfield.FieldsPerModel{"users": {"name", "smart"}}})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"id": 1, "name": "jane", "smart": "computed"}, doc.Data.(*Resource).Attributes)
	})

	t.Run("smart field not requested", func(t *testing.T) {
		doc, err := f.serializer.SerializeOne(ctx, f.users, schema.Record{"id": 1, "name": "jane"},
			Options{Fields: smartfield.FieldsPerModel{"users": {"name"}}})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"id": 1, "name": "jane"}, doc.Data.(*Resource).Attributes)
	})

	t.Run("everything", func(t *testing.T) {
		doc, err := f.serializer.SerializeOne(ctx, f.users, schema.Record{"id": 1, "name": "jane"}, Options{})
		require.NoError(t, err)
		assert.Equal(t, "computed", doc.Data.(*Resource).Attributes["smart"])
	})
}

func TestSerialize_RelatedSmartFieldsWithoutAllowList(t *testing.T) {
	companies := &schema.Collection{Name: "companies", PrimaryKeys: []string{"id"},
		Fields: []*schema.Field{field("id", num), field("name", str), smart("label", "ACME Inc.")}}
	users := &schema.Collection{Name: "users", PrimaryKeys: []string{"id"},
		Fields: []*schema.Field{field("id", num), field("name", str), relation("company", num, "companies")}}
	registry, err := schema.NewRegistry(companies, users)
	require.NoError(t, err)
	serializer := NewSerializer(registry, smartfield.NewInjector(registry), WithLogger(zaptest.NewLogger(t)))

	doc, err := serializer.SerializeOne(context.Background(), users,
		schema.Record{"id": 1, "name": "jane", "company": schema.Record{"id": 5, "name": "Acme"}},
		Options{Fields: smartfield.FieldsPerModel{"users": {"name", "company"}}})

	require.NoError(t, err)
	require.Len(t, doc.Included, 1)
	assert.Equal(t, map[string]any{"id": 5, "name": "Acme", "label": "ACME Inc."}, doc.Included[0].Attributes)
}

func TestSerialize_SearchDecorators(t *testing.T) {
	f := newFixture(t, []*schema.Field{field("name", str), smart("nickname", "Jam")})
	records := []schema.Record{
		{"id": 1, "name": "Jane"},
		{"id": 2, "name": "Bob"},
		{"id": 3, "name": "jack"},
	}

	doc, err := f.serializer.Serialize(context.Background(), f.users, records,
		Options{Search: "ja", Meta: map[string]any{"count": 3}})

	require.NoError(t, err)
	assert.Equal(t, 3, doc.Meta["count"])
	assert.Equal(t, map[string]Decorator{
		"0": {ID: "1", Search: []string{"name", "nickname"}},
		"1": {ID: "2", Search: []string{"nickname"}},
		"2": {ID: "3", Search: []string{"name", "nickname"}},
	}, doc.Meta["decorators"])
}

func TestSerialize_EmptyList(t *testing.T) {
	f := newFixture(t, nil)

	doc, err := f.serializer.Serialize(context.Background(), f.users, nil, Options{})

	require.NoError(t, err)
	assert.JSONEq(t, `{"data":[]}`, marshal(t, doc))
}
