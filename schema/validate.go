package schema

import (
	"encoding/json"
	"maps"
	"math"
	"slices"
)

// Validate checks doc against the schema and returns the first violation
// as a *ValidationError. Unknown keys are reported before type mismatches;
// within each pass fields are visited in sorted order.
func (s *Schema) Validate(doc Document) error {
	if errs := s.check(doc, false); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Violations returns every violation of doc, in the order Validate would
// encounter them. It returns nil for a valid document.
func (s *Schema) Violations(doc Document) []*ValidationError {
	return s.check(doc, true)
}

func (s *Schema) check(doc Document, all bool) []*ValidationError {
	var errs []*ValidationError

	for _, field := range slices.Sorted(maps.Keys(doc)) {
		if _, ok := s.fields[field]; ok {
			continue
		}
		errs = append(errs, &ValidationError{Schema: s.name, Kind: UnknownField, Field: field})
		if !all {
			return errs
		}
	}

	for _, field := range s.FieldNames() {
		value, present := doc[field]
		if !present {
			value = Undefined
		} else if isNilList(value) {
			// Stores encode a nil slice as null.
			value = nil
		}
		if s.conforms(s.fields[field], value) {
			continue
		}
		errs = append(errs, &ValidationError{
			Schema:   s.name,
			Kind:     TypeMismatch,
			Field:    field,
			Expected: s.fields[field].Kind(),
			Actual:   value,
		})
		if !all {
			return errs
		}
	}

	return errs
}

// conforms applies def to value. value is Undefined for an absent key.
func (s *Schema) conforms(def Field, value any) bool {
	p := def.presence()
	if value == Undefined {
		return p.AllowUndefined
	}
	if value == nil {
		return p.AllowNull
	}

	switch def := def.(type) {
	case String, Ref:
		return isString(value)
	case Number:
		return isNumber(value)
	case Boolean:
		_, ok := value.(bool)
		return ok
	case Enum:
		v, ok := value.(string)
		return ok && def.Has(v)
	case RefList:
		return isStringList(value)
	default:
		return false
	}
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func isStringList(v any) bool {
	switch v := v.(type) {
	case []string:
		return true
	case []any:
		for _, elem := range v {
			if !isString(elem) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func isNilList(v any) bool {
	switch v := v.(type) {
	case []string:
		return v == nil
	case []any:
		return v == nil
	default:
		return false
	}
}

// isNumber accepts every Go numeric type. NaN is rejected because it cannot
// be indexed or round-tripped through the store.
func isNumber(v any) bool {
	switch v := v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return !math.IsNaN(float64(v))
	case float64:
		return !math.IsNaN(v)
	case json.Number:
		f, err := v.Float64()
		return err == nil && !math.IsNaN(f)
	default:
		return false
	}
}
