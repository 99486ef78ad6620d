package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// declaration is the YAML form of a schema.
type declaration struct {
	Name       string                 `yaml:"name"`
	Timestamps bool                   `yaml:"timestamps"`
	Fields     map[string]fieldConfig `yaml:"fields"`
}

type fieldConfig struct {
	Type      string   `yaml:"type"`
	Values    []string `yaml:"values,omitempty"`
	Target    string   `yaml:"target,omitempty"`
	Null      bool     `yaml:"null,omitempty"`
	Undefined bool     `yaml:"undefined,omitempty"`
}

// Load reads a YAML list of schema declarations:
//
//	- name: Action
//	  timestamps: true
//	  fields:
//	    person: {type: Ref, target: Person}
//	    kind: {type: Enum, values: [todo, opportunity]}
//	    completedAt: {type: Number, null: true}
func Load(r io.Reader) ([]*Schema, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var decls []declaration
	if err := dec.Decode(&decls); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode schema declarations: %w", err)
	}

	schemas := make([]*Schema, 0, len(decls))
	for _, d := range decls {
		s, err := d.build()
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}
	return schemas, nil
}

// LoadFile reads schema declarations from the YAML file at path.
func LoadFile(path string) ([]*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return Load(bytes.NewReader(data))
}

func (d declaration) build() (*Schema, error) {
	fields := make(Fields, len(d.Fields))
	for name, fc := range d.Fields {
		def, err := fc.field()
		if err != nil {
			return nil, &ConfigurationError{Schema: d.Name, Field: name, Reason: err.Error()}
		}
		fields[name] = def
	}

	var opts []Option
	if d.Timestamps {
		opts = append(opts, WithTimestamps())
	}
	return New(d.Name, fields, opts...)
}

func (fc fieldConfig) field() (Field, error) {
	kind, ok := ParseKind(fc.Type)
	if !ok {
		return nil, fmt.Errorf("unknown field type %q", fc.Type)
	}
	p := Presence{AllowNull: fc.Null, AllowUndefined: fc.Undefined}

	switch kind {
	case KindString:
		return String{Presence: p}, nil
	case KindNumber:
		return Number{Presence: p}, nil
	case KindBoolean:
		return Boolean{Presence: p}, nil
	case KindEnum:
		return Enum{Presence: p, Values: fc.Values}, nil
	case KindRef:
		return Ref{Presence: p, Target: fc.Target}, nil
	case KindRefList:
		return RefList{Presence: p, Target: fc.Target}, nil
	default:
		return nil, fmt.Errorf("unknown field type %q", fc.Type)
	}
}
