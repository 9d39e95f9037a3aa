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

package schema

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pkg/errors"
)

// Arrow returns the arrow data type used
// to store values of type t.
func (t Type) Arrow() arrow.DataType {
	switch t {
	case Bool:
		return arrow.FixedWidthTypes.Boolean
	case Int32:
		return arrow.PrimitiveTypes.Int32
	case Int64:
		return arrow.PrimitiveTypes.Int64
	case Float32:
		return arrow.PrimitiveTypes.Float32
	case Float64:
		return arrow.PrimitiveTypes.Float64
	case String:
		return arrow.BinaryTypes.String
	case Binary:
		return arrow.BinaryTypes.Binary
	case Timestamp:
		return arrow.FixedWidthTypes.Timestamp_us
	default:
		return nil
	}
}

// TypeOfArrow returns the Type corresponding
// to an arrow data type. Timestamps of any unit
// and time zone map to Timestamp.
func TypeOfArrow(dt arrow.DataType) (Type, error) {
	switch dt.ID() {
	case arrow.BOOL:
		return Bool, nil
	case arrow.INT32:
		return Int32, nil
	case arrow.INT64:
		return Int64, nil
	case arrow.FLOAT32:
		return Float32, nil
	case arrow.FLOAT64:
		return Float64, nil
	case arrow.STRING:
		return String, nil
	case arrow.BINARY:
		return Binary, nil
	case arrow.TIMESTAMP:
		return Timestamp, nil
	default:
		return Invalid, errors.Wrapf(ErrUnsupportedType, "arrow type %s", dt)
	}
}

// ArrowField returns the arrow representation of f.
func (f Field) ArrowField() arrow.Field {
	return arrow.Field{Name: f.Name, Type: f.Type.Arrow(), Nullable: f.Nullable}
}

// Arrow returns the arrow schema for s.
func (s *Schema) Arrow() *arrow.Schema {
	fields := make([]arrow.Field, len(s.fields))
	for i := range s.fields {
		fields[i] = s.fields[i].ArrowField()
	}
	return arrow.NewSchema(fields, nil)
}

// FromArrow converts an arrow schema
// into a Schema. Nested and other unsupported
// types produce an error wrapping ErrUnsupportedType.
func FromArrow(as *arrow.Schema) (*Schema, error) {
	fields := make([]Field, as.NumFields())
	for i := range fields {
		af := as.Field(i)
		t, err := TypeOfArrow(af.Type)
		if err != nil {
			return nil, errors.WithMessagef(err, "field %q", af.Name)
		}
		fields[i] = Field{Name: af.Name, Type: t, Nullable: af.Nullable}
	}
	return New(fields...)
}

// ExtendArrow returns an arrow schema holding the
// fields of base verbatim followed by the fields of
// s that base lacks. It is used to write files whose
// existing columns keep their on-disk arrow types.
func (s *Schema) ExtendArrow(base *arrow.Schema) *arrow.Schema {
	fields := append([]arrow.Field(nil), base.Fields()...)
	for i := range s.fields {
		found := false
		for j := range fields {
			if strings.EqualFold(fields[j].Name, s.fields[i].Name) {
				found = true
				break
			}
		}
		if !found {
			fields = append(fields, s.fields[i].ArrowField())
		}
	}
	return arrow.NewSchema(fields, nil)
}
