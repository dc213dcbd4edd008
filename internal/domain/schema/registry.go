package schema

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// Registry holds every collection exposed to the admin UI.
// It is built once at startup and read concurrently afterwards; nothing mutates it.
type Registry struct {
	collections map[string]*Collection
	names       []string
}

var validate = validator.New()

// NewRegistry validates the collections and indexes them by name
func NewRegistry(collections ...*Collection) (*Registry, error) {
	r := &Registry{collections: make(map[string]*Collection, len(collections))}

	var errs []error
	for _, c := range collections {
		if c == nil {
			continue
		}
		if err := validateCollection(c); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.collections[c.Name]; dup {
			errs = append(errs, fmt.Errorf("collection %q declared twice", c.Name))
			continue
		}
		c.fieldIndex = make(map[string]*Field, len(c.Fields))
		for _, f := range c.Fields {
			c.fieldIndex[f.Field] = f
		}
		r.collections[c.Name] = c
		r.names = append(r.names, c.Name)
	}

	for _, c := range r.collections {
		for _, f := range c.Fields {
			ref, ok := f.Reference()
			if !ok {
				continue
			}
			if _, known := r.collections[ref.Collection]; !known {
				errs = append(errs, fmt.Errorf("collection %q: field %q references unknown collection %q",
					c.Name, f.Field, ref.Collection))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	sort.Strings(r.names)
	return r, nil
}

// MustNewRegistry is NewRegistry that panics, for static declarations
func MustNewRegistry(collections ...*Collection) *Registry {
	r, err := NewRegistry(collections...)
	if err != nil {
		panic(err)
	}
	return r
}

func validateCollection(c *Collection) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("collection %q: %w", c.Name, err)
	}

	fields := make(map[string]struct{}, len(c.Fields))
	for _, f := range c.Fields {
		if _, dup := fields[f.Field]; dup {
			return fmt.Errorf("collection %q: field %q declared twice", c.Name, f.Field)
		}
		fields[f.Field] = struct{}{}
	}
	for _, pk := range c.PrimaryKeys {
		if _, ok := fields[pk]; !ok {
			return fmt.Errorf("collection %q: primary key %q is not a field", c.Name, pk)
		}
	}

	actions := make(map[string]struct{}, len(c.Actions))
	for _, a := range c.Actions {
		if err := validate.Struct(a); err != nil {
			return fmt.Errorf("action %q: %w", a.ID(c.Name), err)
		}
		if _, dup := actions[a.Name]; dup {
			return fmt.Errorf("action %q declared twice", a.ID(c.Name))
		}
		actions[a.Name] = struct{}{}
		for _, af := range a.Fields {
			if af.Hook == "" {
				continue
			}
			if _, ok := a.Hooks.Change[af.Hook]; !ok {
				return fmt.Errorf("action %q: field %q uses change hook %q which is not declared",
					a.ID(c.Name), af.Field, af.Hook)
			}
		}
	}

	for _, s := range c.Segments {
		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("collection %q segment: %w", c.Name, err)
		}
	}
	return nil
}

// Get returns a collection by name
func (r *Registry) Get(name string) (*Collection, bool) {
	c, ok := r.collections[name]
	return c, ok
}

// Names returns the collection names in alphabetical order
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Referenced returns the collection a relationship field points to
func (r *Registry) Referenced(f *Field) (*Collection, bool) {
	ref, ok := f.Reference()
	if !ok {
		return nil, false
	}
	return r.Get(ref.Collection)
}

// FindAction looks an action up by its endpoint or, failing that, its name
func (r *Registry) FindAction(endpointOrName string) (*Collection, *Action, bool) {
	for _, name := range r.names {
		c := r.collections[name]
		for _, a := range c.Actions {
			if a.Endpoint == endpointOrName {
				return c, a, true
			}
		}
	}
	for _, name := range r.names {
		c := r.collections[name]
		if a, ok := c.ActionByName(endpointOrName); ok {
			return c, a, true
		}
	}
	return nil, nil, false
}

// FormatID renders a key value the way it appears in JSON:API ids
func FormatID(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return t.String()
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}
