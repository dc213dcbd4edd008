// Package smartfield computes smart field values and writes them into records
// before serialization.
package smartfield

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DepthMaxForInjection is the deepest level whose relationships are followed.
// Level 0 is the requested record, so related records are injected one hop away
// and never further.
const DepthMaxForInjection = 0

// FieldsPerModel restricts which smart fields are computed. Keys are the collection
// name for the requested records and the relationship field name for related ones.
// A model without a key, or a nil map, computes everything.
type FieldsPerModel map[string][]string

// allowed returns the allow-list of key
func (f FieldsPerModel) allowed(key string) fieldSet {
	if _, ok := f[key]; !ok {
		return fieldSet{all: true}
	}
	set := fieldSet{names: make(map[string]struct{}, len(f[key]))}
	for _, name := range f[key] {
		set.names[name] = struct{}{}
	}
	return set
}

type fieldSet struct {
	all   bool
	names map[string]struct{}
}

func (s fieldSet) has(name string) bool {
	if s.all {
		return true
	}
	_, ok := s.names[name]
	return ok
}

func (s fieldSet) union(o fieldSet) fieldSet {
	if s.all || o.all {
		return fieldSet{all: true}
	}
	out := fieldSet{names: make(map[string]struct{}, len(s.names)+len(o.names))}
	for n := range s.names {
		out.names[n] = struct{}{}
	}
	for n := range o.names {
		out.names[n] = struct{}{}
	}
	return out
}

// Result reports what an injection computed
type Result struct {
	// FieldsSearched lists the computed String fields of the requested records,
	// which search highlighting must also look at.
	FieldsSearched []string
}

// Injector computes smart fields
type Injector struct {
	registry *schema.Registry
	logger   *zap.Logger
}

// InjectorOption configures an Injector
type InjectorOption func(*Injector)

// WithLogger sets the logger getter failures are reported to
func WithLogger(logger *zap.Logger) InjectorOption {
	return func(i *Injector) {
		i.logger = logger
	}
}

// NewInjector creates an injector resolving related collections in registry
func NewInjector(registry *schema.Registry, opts ...InjectorOption) *Injector {
	i := &Injector{registry: registry, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// target is one record to inject at some level
type target struct {
	collection *schema.Collection
	record     schema.Record
	allowed    fieldSet
}

// Inject computes the smart fields of one record
func (i *Injector) Inject(ctx context.Context, collection *schema.Collection, record schema.Record, fields FieldsPerModel) (Result, error) {
	return i.InjectAll(ctx, collection, []schema.Record{record}, fields)
}

// InjectAll computes the smart fields of records in place. Records are processed
// concurrently, one level of relationships at a time. A failing getter leaves its
// field absent; it never fails the injection.
func (i *Injector) InjectAll(ctx context.Context, collection *schema.Collection, records []schema.Record, fields FieldsPerModel) (Result, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "smartfield", "inject",
		telemetry.WithAttribute("collection", collection.Name),
		telemetry.WithAttribute("records", len(records)))
	defer span.End()

	batch := make([]target, 0, len(records))
	root := fields.allowed(collection.Name)
	for _, r := range records {
		if r != nil {
			batch = append(batch, target{collection: collection, record: r, allowed: root})
		}
	}

	var searched []string
	for depth := 0; len(batch) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		nested, names := i.injectLevel(ctx, batch, fields, depth)
		if depth == 0 {
			searched = inSchemaOrder(collection, names)
		}
		batch = nested
	}
	return Result{FieldsSearched: searched}, nil
}

// injectLevel injects every target concurrently and returns the related records
// to inject at the next level, each record once.
func (i *Injector) injectLevel(ctx context.Context, batch []target, fields FieldsPerModel, depth int) ([]target, []string) {
	var (
		mu       sync.Mutex
		nested   []target
		searched []string
		g        errgroup.Group
	)
	for _, t := range batch {
		g.Go(func() error {
			next, names := i.injectRecord(ctx, t, fields, depth)
			mu.Lock()
			defer mu.Unlock()
			nested = append(nested, next...)
			for _, n := range names {
				if !slices.Contains(searched, n) {
					searched = append(searched, n)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return dedupe(nested), searched
}

// dedupe merges targets sharing the same record map, since a related record
// loaded once may be referenced by several parents.
func dedupe(targets []target) []target {
	if len(targets) < 2 {
		return targets
	}
	index := make(map[uintptr]int, len(targets))
	out := make([]target, 0, len(targets))
	for _, t := range targets {
		ptr := reflect.ValueOf(t.record).Pointer()
		if at, seen := index[ptr]; seen {
			out[at].allowed = out[at].allowed.union(t.allowed)
			continue
		}
		index[ptr] = len(out)
		out = append(out, t)
	}
	return out
}

func (i *Injector) injectRecord(ctx context.Context, t target, fields FieldsPerModel, depth int) ([]target, []string) {
	var getters []*schema.Field
	for _, f := range t.collection.Fields {
		if _, ok := f.Getter(); ok {
			if t.allowed.has(f.Field) {
				getters = append(getters, f)
			}
			continue
		}
		if f.Type.IsArray() && (f.IsToMany() || f.IsVirtual()) {
			if v, ok := t.record[f.Field]; !ok || v == nil {
				t.record[f.Field] = []any{}
			}
		}
	}

	// getters only read the record; values are written once they all returned
	values := make([]any, len(getters))
	computed := make([]bool, len(getters))
	var g errgroup.Group
	for idx, f := range getters {
		g.Go(func() error {
			values[idx], computed[idx] = i.compute(ctx, t.collection, f, t.record)
			return nil
		})
	}
	_ = g.Wait()

	var searched []string
	for idx, f := range getters {
		if !computed[idx] {
			continue
		}
		t.record[f.Field] = values[idx]
		if f.Type.Is(schema.TypeString) {
			searched = append(searched, f.Field)
		}
	}

	if depth > DepthMaxForInjection {
		return nil, searched
	}
	var nested []target
	for _, f := range t.collection.Fields {
		if !f.IsSmartRelationship() && !f.IsToOne() {
			continue
		}
		related, ok := i.registry.Referenced(f)
		if !ok {
			continue
		}
		allowed := fields.allowed(f.Field)
		for _, r := range relatedRecords(t.record[f.Field]) {
			nested = append(nested, target{collection: related, record: r, allowed: allowed})
		}
	}
	return nested, searched
}

func inSchemaOrder(c *schema.Collection, names []string) []string {
	if len(names) == 0 {
		return nil
	}
	out := make([]string, 0, len(names))
	for _, f := range c.Fields {
		if slices.Contains(names, f.Field) {
			out = append(out, f.Field)
		}
	}
	return out
}

// compute runs one getter. Errors and panics are logged and reported as not computed.
func (i *Injector) compute(ctx context.Context, c *schema.Collection, f *schema.Field, record schema.Record) (value any, ok bool) {
	get, _ := f.Getter()
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("Smart field getter panicked",
				zap.String("collection", c.Name),
				zap.String("field", f.Field),
				zap.String("panic", fmt.Sprint(r)))
			value, ok = nil, false
		}
	}()

	v, err := get(ctx, record)
	if err != nil {
		i.logger.Error("Cannot retrieve the smart field value",
			zap.String("collection", c.Name),
			zap.String("field", f.Field),
			zap.Error(err))
		return nil, false
	}
	return v, true
}

// relatedRecords returns the related records held by a relationship value
func relatedRecords(v any) []schema.Record {
	switch t := v.(type) {
	case schema.Record:
		if t == nil {
			return nil
		}
		return []schema.Record{t}
	case map[string]any:
		if t == nil {
			return nil
		}
		return []schema.Record{t}
	case []schema.Record:
		return slices.DeleteFunc(slices.Clone(t), func(r schema.Record) bool { return r == nil })
	case []map[string]any:
		out := make([]schema.Record, 0, len(t))
		for _, m := range t {
			if m != nil {
				out = append(out, m)
			}
		}
		return out
	case []any:
		var out []schema.Record
		for _, item := range t {
			out = append(out, relatedRecords(item)...)
		}
		return out
	default:
		return nil
	}
}
