package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is matched by every *ConfigurationError.
	ErrConfiguration = errors.New("lattice: invalid schema configuration")

	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("lattice: document failed validation")
)

// ConfigurationError reports an invalid schema declaration.
type ConfigurationError struct {
	Schema string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("lattice: schema %q: field %q: %s", e.Schema, e.Field, e.Reason)
	}
	return fmt.Sprintf("lattice: schema %q: %s", e.Schema, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Violation distinguishes the two ways a document can fail validation.
type Violation int

const (
	UnknownField Violation = iota + 1
	TypeMismatch
)

func (v Violation) String() string {
	switch v {
	case UnknownField:
		return "UnknownField"
	case TypeMismatch:
		return "TypeMismatch"
	default:
		return fmt.Sprintf("Violation(%d)", int(v))
	}
}

// ValidationError reports the offending field of a document. Expected and
// Actual are set only for TypeMismatch.
type ValidationError struct {
	Schema   string
	Kind     Violation
	Field    string
	Expected Kind
	Actual   any
}

func (e *ValidationError) Error() string {
	if e.Kind == UnknownField {
		return fmt.Sprintf("lattice: %s: unknown field %q", e.Schema, e.Field)
	}
	return fmt.Sprintf("lattice: %s: field %q is not a %s (got %s)", e.Schema, e.Field, e.Expected, describe(e.Actual))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// describe renders a value for error messages, telling absent and nil apart.
func describe(v any) string {
	switch v := v.(type) {
	case undefined:
		return "undefined"
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", v)
	default:
		return fmt.Sprintf("%v (%T)", v, v)
	}
}

// undefined stands in for an absent key in ValidationError.Actual.
type undefined struct{}

// Undefined is the Actual value reported for a missing field.
var Undefined any = undefined{}
