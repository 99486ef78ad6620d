package schema

import (
	"maps"
	"slices"
)

// Reserved field names injected by New.
const (
	FieldID        = "id"
	FieldType      = "type"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// Document is the generic persisted record: an entity's fields keyed by
// name, including the reserved id and type. A missing key is undefined; a
// key holding nil is null.
type Document map[string]any

// Clone returns a shallow copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	return maps.Clone(d)
}

// ID returns the document's id, or "" when it is not a string.
func (d Document) ID() string {
	s, _ := d[FieldID].(string)
	return s
}

// Type returns the document's entity kind, or "" when it is not a string.
func (d Document) Type() string {
	s, _ := d[FieldType].(string)
	return s
}

// Schema is a resolved, immutable entity declaration.
type Schema struct {
	name       string
	fields     Fields
	timestamps bool
}

// Option configures New.
type Option func(*Schema)

// WithTimestamps declares the reserved createdAt and updatedAt fields.
func WithTimestamps() Option {
	return func(s *Schema) { s.timestamps = true }
}

// New resolves fields into a Schema named name. The returned schema holds
// its own copy of fields with the reserved fields added; fields itself is
// not modified.
func New(name string, fields Fields, opts ...Option) (*Schema, error) {
	if name == "" {
		return nil, &ConfigurationError{Reason: "name must not be empty"}
	}

	s := &Schema{name: name, fields: make(Fields, len(fields)+4)}
	for _, opt := range opts {
		opt(s)
	}

	for field, def := range fields {
		if err := s.checkField(field, def); err != nil {
			return nil, err
		}
		s.fields[field] = def
	}

	reserved := Fields{
		FieldID:   String{},
		FieldType: Enum{Values: []string{name}},
	}
	if s.timestamps {
		reserved[FieldCreatedAt] = Number{}
		reserved[FieldUpdatedAt] = Number{}
	}
	for field, def := range reserved {
		s.fields[field] = def
	}

	return s, nil
}

// MustNew is like New but panics on error. Intended for package-level
// schema declarations.
func MustNew(name string, fields Fields, opts ...Option) *Schema {
	s, err := New(name, fields, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) checkField(field string, def Field) error {
	fail := func(reason string) error {
		return &ConfigurationError{Schema: s.name, Field: field, Reason: reason}
	}

	if field == "" {
		return fail("field name must not be empty")
	}

	switch def := def.(type) {
	case String, Number, Boolean:
	case Enum:
		if len(def.Values) == 0 {
			return fail("enum must declare at least one value")
		}
	case Ref:
		if def.Target == "" {
			return fail("reference target must not be empty")
		}
	case RefList:
		if def.Target == "" {
			return fail("reference target must not be empty")
		}
	case nil:
		return fail("definition must not be nil")
	default:
		return fail("unsupported definition type")
	}

	switch field {
	case FieldID:
		if def.Kind() != KindString {
			return fail("reserved field must be a String")
		}
	case FieldType:
		e, ok := def.(Enum)
		if !ok || len(e.Values) != 1 || e.Values[0] != s.name {
			return fail("reserved field must be an Enum of the schema name")
		}
	case FieldCreatedAt, FieldUpdatedAt:
		if def.Kind() != KindNumber {
			return fail("reserved field must be a Number")
		}
	}
	return nil
}

// Name returns the entity kind.
func (s *Schema) Name() string { return s.name }

// Timestamps reports whether createdAt and updatedAt are declared.
func (s *Schema) Timestamps() bool { return s.timestamps }

// Field returns the definition of the named field.
func (s *Schema) Field(name string) (Field, bool) {
	f, ok := s.fields[name]
	return f, ok
}

// FieldNames returns the declared field names in sorted order.
func (s *Schema) FieldNames() []string {
	return slices.Sorted(maps.Keys(s.fields))
}

// Fields returns a copy of the resolved field map.
func (s *Schema) Fields() Fields {
	return maps.Clone(s.fields)
}
