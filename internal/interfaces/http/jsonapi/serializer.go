package jsonapi

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/liana/backend/internal/application/smartfield"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// DefaultPathPrefix is the mount point of the admin routes, used in relationship links
const DefaultPathPrefix = "/forest"

// metaAttribute is the attribute name a field called "meta" is emitted under,
// since "meta" is reserved by JSON:API
const metaAttribute = "forest-meta"

// Integrator serializes fields owned by an external integration
type Integrator interface {
	Serialize(ctx context.Context, integration string, collection *schema.Collection, field *schema.Field, record schema.Record) (any, error)
}

// DateOnlyFormatter renders a Dateonly value. Storage adapters with their own
// date-only quirks plug theirs in here.
type DateOnlyFormatter func(value any) any

// FormatDateOnly renders times and RFC 3339 strings as YYYY-MM-DD, in the
// value's own location
func FormatDateOnly(value any) any {
	switch v := value.(type) {
	case time.Time:
		return v.Format(time.DateOnly)
	case *time.Time:
		if v == nil {
			return nil
		}
		return v.Format(time.DateOnly)
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.Format(time.DateOnly)
		}
		return v
	default:
		return value
	}
}

// Options tunes one serialization
type Options struct {
	// Fields is the requested fields per model, keyed like smartfield.FieldsPerModel.
	// A missing key leaves that model's attributes unrestricted.
	Fields smartfield.FieldsPerModel
	// Search adds meta.decorators for the records matching it
	Search string
	Meta   map[string]any
}

// Serializer builds JSON:API documents
type Serializer struct {
	registry   *schema.Registry
	injector   *smartfield.Injector
	integrator Integrator
	dateOnly   DateOnlyFormatter
	prefix     string
	logger     *zap.Logger
}

// Option configures a Serializer
type Option func(*Serializer)

// WithIntegrator sets the serializer of integration-owned fields
func WithIntegrator(i Integrator) Option {
	return func(s *Serializer) {
		s.integrator = i
	}
}

// WithDateOnlyFormatter replaces FormatDateOnly
func WithDateOnlyFormatter(f DateOnlyFormatter) Option {
	return func(s *Serializer) {
		s.dateOnly = f
	}
}

// WithPathPrefix sets the prefix of relationship links
func WithPathPrefix(prefix string) Option {
	return func(s *Serializer) {
		s.prefix = strings.TrimSuffix(prefix, "/")
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Serializer) {
		s.logger = logger
	}
}

// NewSerializer creates a serializer running injector before every serialization
func NewSerializer(registry *schema.Registry, injector *smartfield.Injector, opts ...Option) *Serializer {
	s := &Serializer{
		registry: registry,
		injector: injector,
		dateOnly: FormatDateOnly,
		prefix:   DefaultPathPrefix,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// projection is the static field split of a collection, computed from the schema
// before any record is touched
type projection struct {
	attributes    []*schema.Field
	relationships []*schema.Field
}

func project(c *schema.Collection, requested []string, restricted bool) projection {
	var p projection
	for _, f := range c.Fields {
		if restricted && !slices.Contains(c.PrimaryKeys, f.Field) && !slices.Contains(requested, f.Field) {
			continue
		}
		if _, ok := f.Reference(); ok {
			p.relationships = append(p.relationships, f)
		} else {
			p.attributes = append(p.attributes, f)
		}
	}
	return p
}

func (s *Serializer) projectionFor(c *schema.Collection, fields smartfield.FieldsPerModel, key string) projection {
	requested, restricted := fields[key]
	return project(c, requested, restricted)
}

// Serialize serializes records as a collection document
func (s *Serializer) Serialize(ctx context.Context, c *schema.Collection, records []schema.Record, opts Options) (*Document, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "jsonapi", "serialize",
		telemetry.WithAttribute("collection", c.Name),
		telemetry.WithAttribute("records", len(records)))
	defer span.End()

	p := s.projectionFor(c, opts.Fields, c.Name)
	result, err := s.injector.InjectAll(ctx, c, records, opts.Fields)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	b := &builder{s: s, opts: opts, included: make(map[string]struct{})}
	data := make([]*Resource, 0, len(records))
	for _, r := range records {
		res, err := b.resource(ctx, c, r, p, true)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		data = append(data, res)
	}

	doc := &Document{Data: data, Included: b.includes, Meta: maps.Clone(opts.Meta)}
	if opts.Search != "" {
		if doc.Meta == nil {
			doc.Meta = map[string]any{}
		}
		doc.Meta["decorators"] = decorate(c, records, opts.Search, result.FieldsSearched)
	}
	return doc, nil
}

// SerializeOne serializes a single record document
func (s *Serializer) SerializeOne(ctx context.Context, c *schema.Collection, record schema.Record, opts Options) (*Document, error) {
	doc, err := s.Serialize(ctx, c, []schema.Record{record}, opts)
	if err != nil {
		return nil, err
	}
	doc.Data = doc.Data.([]*Resource)[0]
	return doc, nil
}

// builder accumulates the included resources of one document
type builder struct {
	s        *Serializer
	opts     Options
	includes []*Resource
	included map[string]struct{}
}

func (b *builder) resource(ctx context.Context, c *schema.Collection, record schema.Record, p projection, withRelationships bool) (*Resource, error) {
	id := c.RecordID(record)
	res := &Resource{Type: c.Name, ID: id, Attributes: make(map[string]any, len(p.attributes))}

	for _, f := range p.attributes {
		name := f.Field
		if name == "meta" {
			name = metaAttribute
		}
		if integration, ok := f.Integration(); ok {
			if b.s.integrator == nil {
				b.s.logger.Debug("No integrator for integration field",
					zap.String("collection", c.Name),
					zap.String("field", f.Field),
					zap.String("integration", integration))
				continue
			}
			v, err := b.s.integrator.Serialize(ctx, integration, c, f, record)
			if err != nil {
				return nil, fmt.Errorf("serialize %s.%s with %s: %w", c.Name, f.Field, integration, err)
			}
			res.Attributes[name] = v
			continue
		}
		v, ok := record[f.Field]
		if !ok {
			continue
		}
		res.Attributes[name] = b.s.value(f.Type, v)
	}

	if !withRelationships || len(p.relationships) == 0 {
		return res, nil
	}
	res.Relationships = make(map[string]*Relationship, len(p.relationships))
	for _, f := range p.relationships {
		rel := &Relationship{Links: RelationshipLinks{Related: Link{Href: b.s.relationshipLink(c.Name, id, f.Field)}}}
		res.Relationships[f.Field] = rel
		if f.IsToMany() {
			continue
		}
		rel.HasData = true
		related, ok := b.s.registry.Referenced(f)
		if !ok {
			continue
		}
		switch v := record[f.Field].(type) {
		case nil:
		case schema.Record:
			rel.Data = b.include(ctx, related, f.Field, v)
		case map[string]any:
			rel.Data = b.include(ctx, related, f.Field, v)
		default:
			rel.Data = &Identifier{Type: related.Name, ID: schema.FormatID(v)}
		}
	}
	return res, nil
}

// include adds a related record to the document, once per type and id
func (b *builder) include(ctx context.Context, c *schema.Collection, key string, record schema.Record) *Identifier {
	ident := &Identifier{Type: c.Name, ID: c.RecordID(record)}
	k := ident.Type + ":" + ident.ID
	if _, seen := b.included[k]; seen {
		return ident
	}
	b.included[k] = struct{}{}

	p := b.s.projectionFor(c, b.opts.Fields, key)
	res, err := b.resource(ctx, c, record, p, false)
	if err != nil {
		b.s.logger.Warn("Cannot serialize included record",
			zap.String("collection", c.Name),
			zap.String("id", ident.ID),
			zap.Error(err))
		return ident
	}
	b.includes = append(b.includes, res)
	return ident
}

func (s *Serializer) relationshipLink(collection, id, field string) string {
	return s.prefix + "/" + collection + "/" + id + "/relationships/" + field
}

// value applies the type specific transforms to a field value
func (s *Serializer) value(t schema.FieldType, v any) any {
	if v == nil {
		return nil
	}
	switch {
	case t.IsObject():
		return s.object(t.Fields, v)
	case t.IsArray():
		if t.Elem == nil {
			return v
		}
		switch items := v.(type) {
		case []any:
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = s.value(*t.Elem, item)
			}
			return out
		case []map[string]any:
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = s.value(*t.Elem, item)
			}
			return out
		default:
			return v
		}
	case t.Is(schema.TypeDateonly):
		return s.dateOnly(v)
	case t.Is(schema.TypePoint):
		return point(v)
	default:
		return v
	}
}

// object keeps only the declared keys of a nested object, recursively
func (s *Serializer) object(fields []schema.NestedField, v any) any {
	var m map[string]any
	switch o := v.(type) {
	case map[string]any:
		m = o
	case schema.Record:
		m = o
	default:
		return v
	}
	out := make(map[string]any, len(fields))
	for _, nf := range fields {
		if nv, ok := m[nf.Field]; ok {
			out[nf.Field] = s.value(nf.Type, nv)
		}
	}
	return out
}

// point flattens a GeoJSON-like point to [x, y]
func point(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if coordinates, ok := m["coordinates"]; ok {
		return coordinates
	}
	x, hasX := m["x"]
	y, hasY := m["y"]
	if hasX && hasY {
		return []any{x, y}
	}
	return v
}

// decorate lists, per record index, the searched fields whose value contains search
func decorate(c *schema.Collection, records []schema.Record, search string, computed []string) map[string]Decorator {
	var searched []string
	for _, f := range c.Fields {
		if f.Type.Is(schema.TypeString) && !f.IsVirtual() {
			if _, integrated := f.Integration(); !integrated {
				searched = append(searched, f.Field)
			}
		}
	}
	for _, name := range computed {
		if !slices.Contains(searched, name) {
			searched = append(searched, name)
		}
	}

	needle := strings.ToLower(search)
	out := make(map[string]Decorator)
	for i, r := range records {
		var matches []string
		if schema.FormatID(r[c.IDField()]) == search {
			matches = append(matches, c.IDField())
		}
		for _, name := range searched {
			if s, ok := r[name].(string); ok && strings.Contains(strings.ToLower(s), needle) {
				matches = append(matches, name)
			}
		}
		if len(matches) > 0 {
			out[strconv.Itoa(i)] = Decorator{ID: c.RecordID(r), Search: matches}
		}
	}
	return out
}

