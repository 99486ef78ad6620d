package store

import (
	"github.com/jacentio/lattice/schema"
)

// Reference describes one reference field and the index that resolves it.
type Reference struct {
	// Kind is the entity holding the reference (e.g., "Pokemon").
	Kind string

	// Field is the reference field name (e.g., "trainer").
	Field string

	// Target is the referenced entity kind (e.g., "Trainer").
	Target string

	// Index is the index name resolving the reference (e.g., "Pokemon_by_trainer").
	Index string

	// Many is true for RefList fields.
	Many bool
}

// Registry holds the registered schemas and the references between them.
type Registry struct {
	schemas    []*schema.Schema
	byKind     map[string]*schema.Schema
	byTarget   map[string][]Reference
	references []Reference
	indexes    schema.Indexes
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byKind:   make(map[string]*schema.Schema),
		byTarget: make(map[string][]Reference),
		indexes:  schema.Indexes{},
	}
}

// Register adds a schema to the registry. It fails with a
// *schema.ConfigurationError when the kind is already registered or one of
// its indexes collides with an index of another schema.
func (r *Registry) Register(s *schema.Schema) error {
	if _, ok := r.byKind[s.Name()]; ok {
		return &schema.ConfigurationError{Schema: s.Name(), Reason: "kind registered twice"}
	}
	indexes := s.Indexes()
	for name := range indexes {
		if owner, ok := r.indexes[name]; ok {
			return &schema.ConfigurationError{
				Schema: s.Name(),
				Reason: "index " + name + " collides with an index of " + owner.Kind,
			}
		}
	}

	r.schemas = append(r.schemas, s)
	r.byKind[s.Name()] = s
	for _, field := range s.FieldNames() {
		def, _ := s.Field(field)
		target := schema.Target(def)
		if target == "" {
			continue
		}
		ref := Reference{
			Kind:   s.Name(),
			Field:  field,
			Target: target,
			Index:  schema.IndexName(s.Name(), field),
			Many:   def.Kind() == schema.KindRefList,
		}
		r.references = append(r.references, ref)
		r.byTarget[target] = append(r.byTarget[target], ref)
	}
	for name, ix := range indexes {
		r.indexes[name] = ix
	}
	return nil
}

// Lookup returns the schema registered for kind.
func (r *Registry) Lookup(kind string) (*schema.Schema, bool) {
	s, ok := r.byKind[kind]
	return s, ok
}

// Schemas returns the registered schemas in registration order.
func (r *Registry) Schemas() []*schema.Schema {
	return r.schemas
}

// Indexes returns the aggregate index definitions of every schema.
func (r *Registry) Indexes() schema.Indexes {
	out := make(schema.Indexes, len(r.indexes))
	for name, ix := range r.indexes {
		out[name] = ix
	}
	return out
}

// ReferencesTo returns the references whose target is kind.
func (r *Registry) ReferencesTo(kind string) []Reference {
	return r.byTarget[kind]
}

// AllReferences returns every registered reference.
func (r *Registry) AllReferences() []Reference {
	return r.references
}
