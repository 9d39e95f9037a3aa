// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package schema describes the flat, ordered
// field lists of columnar files and implements
// schema evolution.
package schema

import (
	"encoding/binary"
	"encoding/json"
	"strings"

	"github.com/dchest/siphash"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

var (
	// ErrNilSchema is returned from Evolve
	// when either input is nil.
	ErrNilSchema = errors.New("schema: nil schema")
	// ErrUnsupportedType is returned when a Go
	// or arrow type has no corresponding Type.
	ErrUnsupportedType = errors.New("schema: unsupported type")
	// ErrDuplicateField is returned when two
	// fields have names that differ only by case.
	ErrDuplicateField = errors.New("schema: duplicate field")
)

// Type is the type tag of a field.
type Type uint8

const (
	Invalid Type = iota
	Bool
	Int32
	Int64
	Float32
	Float64
	String
	Binary
	// Timestamp is a point in time stored
	// with microsecond precision in UTC.
	Timestamp
)

var typeNames = [...]string{
	Invalid:   "invalid",
	Bool:      "bool",
	Int32:     "int32",
	Int64:     "int64",
	Float32:   "float32",
	Float64:   "float64",
	String:    "string",
	Binary:    "binary",
	Timestamp: "timestamp",
}

// aliases accepted by ParseType
var typeAliases = map[string]Type{
	"boolean": Bool,
	"int":     Int64,
	"long":    Int64,
	"float":   Float32,
	"double":  Float64,
	"bytes":   Binary,
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "invalid"
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool { return t > Invalid && t <= Timestamp }

// ParseType parses the name of a type.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i := range typeNames {
		if Type(i) != Invalid && typeNames[i] == s {
			return Type(i), nil
		}
	}
	if t, ok := typeAliases[s]; ok {
		return t, nil
	}
	return Invalid, errors.Wrapf(ErrUnsupportedType, "%q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedType, "type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Field is one named column of a Schema.
type Field struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
}

func (f Field) String() string {
	if f.Nullable {
		return f.Name + " " + f.Type.String() + " null"
	}
	return f.Name + " " + f.Type.String()
}

// Schema is an immutable, ordered list of fields.
// Field names are unique without regard to case.
type Schema struct {
	fields []Field
}

// New constructs a Schema from a list of fields.
func New(fields ...Field) (*Schema, error) {
	for i := range fields {
		if fields[i].Name == "" {
			return nil, errors.Errorf("schema: field %d has no name", i)
		}
		if !fields[i].Type.Valid() {
			return nil, errors.Wrapf(ErrUnsupportedType, "field %q", fields[i].Name)
		}
		for j := range fields[:i] {
			if strings.EqualFold(fields[i].Name, fields[j].Name) {
				return nil, errors.Wrapf(ErrDuplicateField, "%q and %q", fields[j].Name, fields[i].Name)
			}
		}
	}
	return &Schema{fields: slices.Clone(fields)}, nil
}

// MustNew is like New but panics on error.
func MustNew(fields ...Field) *Schema {
	s, err := New(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of fields.
func (s *Schema) Len() int { return len(s.fields) }

// Field returns the i-th field.
func (s *Schema) Field(i int) Field { return s.fields[i] }

// Fields returns a copy of the field list.
func (s *Schema) Fields() []Field { return slices.Clone(s.fields) }

// Names returns the field names in order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.fields))
	for i := range s.fields {
		out[i] = s.fields[i].Name
	}
	return out
}

// Lookup finds a field by name without regard
// to case and returns its position.
func (s *Schema) Lookup(name string) (int, bool) {
	i := slices.IndexFunc(s.fields, func(f Field) bool {
		return strings.EqualFold(f.Name, name)
	})
	return i, i >= 0
}

// Equal reports whether s and o have
// identical field lists.
func (s *Schema) Equal(o *Schema) bool {
	if s == nil || o == nil {
		return s == o
	}
	return slices.Equal(s.fields, o.fields)
}

const (
	fpk0 = 0x636f6c73747265 // "colstre"
	fpk1 = 0x736368656d61   // "schema"
)

// Fingerprint returns a hash of the field list.
// Schemas that are Equal have the same fingerprint.
func (s *Schema) Fingerprint() uint64 {
	var buf []byte
	for i := range s.fields {
		f := &s.fields[i]
		buf = binary.AppendUvarint(buf, uint64(len(f.Name)))
		buf = append(buf, f.Name...)
		buf = append(buf, byte(f.Type))
		if f.Nullable {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return siphash.Hash(fpk0, fpk1, buf)
}

func (s *Schema) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i := range s.fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(s.fields[i].String())
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON encodes the schema as a list of fields.
func (s *Schema) MarshalJSON() ([]byte, error) {
	if s.fields == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.fields)
}

// UnmarshalJSON decodes a list of fields.
func (s *Schema) UnmarshalJSON(b []byte) error {
	var fields []Field
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	n, err := New(fields...)
	if err != nil {
		return err
	}
	*s = *n
	return nil
}
