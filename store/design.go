package store

import (
	"fmt"

	"github.com/jacentio/lattice/schema"
)

// Design artifact attribute names.
const (
	designIndexes = "indexes"
	designKind    = "kind"
	designField   = "field"
	designEmit    = "emit"
)

// DesignDocument renders indexes as the persisted design artifact:
//
//	{"indexes": {"<name>": {"kind": ..., "field": ..., "emit": "one"|"each"}}}
func DesignDocument(indexes schema.Indexes) schema.Document {
	views := make(map[string]any, len(indexes))
	for name, ix := range indexes {
		views[name] = map[string]any{
			designKind:  ix.Kind,
			designField: ix.Field,
			designEmit:  string(ix.Emit),
		}
	}
	return schema.Document{designIndexes: views}
}

// ParseDesign reads the index definitions back out of a design artifact.
func ParseDesign(doc schema.Document) (schema.Indexes, error) {
	out := schema.Indexes{}
	raw, ok := doc[designIndexes]
	if !ok || raw == nil {
		return out, nil
	}
	views, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("design artifact: %q is %T, not an object", designIndexes, raw)
	}

	for name, v := range views {
		def, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("design artifact: index %q is %T, not an object", name, v)
		}
		kind, _ := def[designKind].(string)
		field, _ := def[designField].(string)
		emit, _ := def[designEmit].(string)
		if kind == "" || field == "" {
			return nil, fmt.Errorf("design artifact: index %q lacks kind or field", name)
		}
		switch schema.Emit(emit) {
		case schema.EmitOne, schema.EmitEach:
		default:
			return nil, fmt.Errorf("design artifact: index %q has unknown emit %q", name, emit)
		}
		out[name] = schema.Index{Name: name, Kind: kind, Field: field, Emit: schema.Emit(emit)}
	}
	return out, nil
}
