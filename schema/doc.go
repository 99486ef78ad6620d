// Package schema declares entity field definitions, validates documents
// against them and derives the secondary-index definitions needed to
// resolve references between entities.
//
// # Field Definitions
//
// A field is one of a closed set of variants:
//
//	schema.String{}
//	schema.Number{}
//	schema.Boolean{}
//	schema.Enum{Values: []string{"fire", "ice"}}
//	schema.Ref{Target: "Trainer"}
//	schema.RefList{Target: "Pokemon"}
//
// Every variant embeds [Presence], which controls whether the field may be
// absent from a document (AllowUndefined) or present with a nil value
// (AllowNull).
//
// # Schemas
//
// [New] resolves a field map into a [Schema], adding the reserved fields
// id, type and, with [WithTimestamps], createdAt and updatedAt:
//
//	pokemon, err := schema.New("Pokemon", schema.Fields{
//	    "name":    schema.String{},
//	    "trainer": schema.Ref{Target: "Trainer"},
//	}, schema.WithTimestamps())
//
// # Indexes
//
// Each Ref or RefList field yields one [Index] named "<Kind>_by_<field>".
// [Schema.Indexes] is deterministic, so two derivations of the same schema
// compare equal with [Indexes.Equal].
//
// # Errors
//
//   - [ErrConfiguration] - a schema declaration is invalid
//   - [ErrValidation] - a document does not conform to its schema
package schema
