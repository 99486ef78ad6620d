package schema

import "fmt"

// Kind identifies a field definition variant.
type Kind int

const (
	KindString Kind = iota + 1
	KindNumber
	KindBoolean
	KindEnum
	KindRef
	KindRefList
)

var kindNames = map[Kind]string{
	KindString:  "String",
	KindNumber:  "Number",
	KindBoolean: "Boolean",
	KindEnum:    "Enum",
	KindRef:     "Ref",
	KindRefList: "RefList",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind returns the Kind named s (e.g. "RefList").
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Presence controls how a field treats missing and nil values.
type Presence struct {
	// AllowNull accepts a key that is present with a nil value.
	AllowNull bool

	// AllowUndefined accepts a document that omits the key.
	AllowUndefined bool
}

func (p Presence) presence() Presence { return p }

// Field is a declarative rule for one document field. The set of
// implementations is closed: String, Number, Boolean, Enum, Ref, RefList.
type Field interface {
	Kind() Kind
	presence() Presence
}

// String accepts Go strings.
type String struct{ Presence }

// Number accepts any Go numeric value except NaN.
type Number struct{ Presence }

// Boolean accepts Go bools.
type Boolean struct{ Presence }

// Enum accepts a string that is one of Values.
type Enum struct {
	Presence
	Values []string
}

// Ref accepts a single entity id. Target names the referenced kind.
type Ref struct {
	Presence
	Target string
}

// RefList accepts a list of entity ids. Target names the referenced kind.
type RefList struct {
	Presence
	Target string
}

func (String) Kind() Kind  { return KindString }
func (Number) Kind() Kind  { return KindNumber }
func (Boolean) Kind() Kind { return KindBoolean }
func (Enum) Kind() Kind    { return KindEnum }
func (Ref) Kind() Kind     { return KindRef }
func (RefList) Kind() Kind { return KindRefList }

// Has reports whether v is one of the enum values.
func (e Enum) Has(v string) bool {
	for _, s := range e.Values {
		if s == v {
			return true
		}
	}
	return false
}

// PresenceOf returns the null/undefined rules of f.
func PresenceOf(f Field) Presence {
	return f.presence()
}

// Target returns the referenced kind of a Ref or RefList field, or "".
func Target(f Field) string {
	switch f := f.(type) {
	case Ref:
		return f.Target
	case RefList:
		return f.Target
	default:
		return ""
	}
}

// Fields maps field names to their definitions.
type Fields map[string]Field
