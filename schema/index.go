package schema

import (
	"maps"
	"slices"
)

// Emit describes how an index derives keys from a field.
type Emit string

const (
	// EmitOne emits the field value itself (Ref fields).
	EmitOne Emit = "one"

	// EmitEach emits every element of the field value in order (RefList fields).
	EmitEach Emit = "each"
)

// Index is a map-only secondary index over documents of one kind, keyed by
// the ids held in one reference field. Index is comparable.
type Index struct {
	Name  string
	Kind  string
	Field string
	Emit  Emit
}

// IndexName returns the conventional index name "<kind>_by_<field>".
func IndexName(kind, field string) string {
	return kind + "_by_" + field
}

// Keys returns the keys the index emits for doc. Documents of another kind
// emit nothing, as do null or absent references.
func (ix Index) Keys(doc Document) []string {
	if doc.Type() != ix.Kind {
		return nil
	}
	switch ix.Emit {
	case EmitOne:
		if id, ok := doc[ix.Field].(string); ok {
			return []string{id}
		}
	case EmitEach:
		switch ids := doc[ix.Field].(type) {
		case []string:
			return slices.Clone(ids)
		case []any:
			keys := make([]string, 0, len(ids))
			for _, v := range ids {
				if id, ok := v.(string); ok {
					keys = append(keys, id)
				}
			}
			return keys
		}
	}
	return nil
}

// Indexes maps index names to definitions.
type Indexes map[string]Index

// Indexes derives one index per Ref and RefList field. The result depends
// only on the field map, so repeated calls compare equal.
func (s *Schema) Indexes() Indexes {
	out := Indexes{}
	for _, field := range s.FieldNames() {
		var emit Emit
		switch s.fields[field].(type) {
		case Ref:
			emit = EmitOne
		case RefList:
			emit = EmitEach
		default:
			continue
		}
		name := IndexName(s.name, field)
		out[name] = Index{Name: name, Kind: s.name, Field: field, Emit: emit}
	}
	return out
}

// Equal reports whether ix and other hold the same definitions.
func (ix Indexes) Equal(other Indexes) bool {
	return maps.Equal(ix, other)
}

// Names returns the index names in sorted order.
func (ix Indexes) Names() []string {
	return slices.Sorted(maps.Keys(ix))
}

// Emission is one key emitted by one index.
type Emission struct {
	Index string
	Key   string
}

// Emit returns every key the indexes emit for doc, ordered by index name
// and then by emission order.
func (ix Indexes) Emit(doc Document) []Emission {
	var out []Emission
	for _, name := range ix.Names() {
		for _, key := range ix[name].Keys(doc) {
			out = append(out, Emission{Index: name, Key: key})
		}
	}
	return out
}
