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
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// TagName is the struct tag consulted for
// column names. If it is absent, the name
// from the "json" tag is used, and failing
// that the Go field name. A name of "-"
// skips the field.
const TagName = "colstream"

// StructField describes the binding between
// a Go struct field and a column.
type StructField struct {
	Field
	// Index is the index of the field
	// within its struct.
	Index int
	// GoType is the type of the struct field.
	GoType reflect.Type
}

var (
	timeType  = reflect.TypeOf(time.Time{})
	bytesType = reflect.TypeOf([]byte(nil))
)

type structInfo struct {
	fields []StructField
	schema *Schema
	err    error
}

// cache of reflect.Type -> *structInfo
var structCache sync.Map

// GoType returns the Type used to store
// values of the Go type t and whether
// t admits null values.
func GoType(t reflect.Type) (Type, bool, error) {
	nullable := false
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
		nullable = true
	}
	switch t {
	case timeType:
		return Timestamp, nullable, nil
	case bytesType:
		return Binary, true, nil
	}
	switch t.Kind() {
	case reflect.Bool:
		return Bool, nullable, nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Uint8, reflect.Uint16:
		return Int32, nullable, nil
	case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint32, reflect.Uint64:
		return Int64, nullable, nil
	case reflect.Float32:
		return Float32, nullable, nil
	case reflect.Float64:
		return Float64, nullable, nil
	case reflect.String:
		return String, nullable, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return Binary, true, nil
		}
	}
	return Invalid, false, errors.Wrapf(ErrUnsupportedType, "Go type %s", t)
}

func columnName(f *reflect.StructField) string {
	if val, ok := f.Tag.Lookup(TagName); ok {
		name, _, _ := strings.Cut(val, ",")
		if name != "" {
			return name
		}
	}
	if val, ok := f.Tag.Lookup("json"); ok {
		name, _, _ := strings.Cut(val, ",")
		if name != "" {
			return name
		}
	}
	return f.Name
}

func compileStruct(t reflect.Type) *structInfo {
	info := &structInfo{}
	fields := reflect.VisibleFields(t)
	var cols []Field
	for i := range fields {
		if fields[i].PkgPath != "" || len(fields[i].Index) != 1 {
			continue // unexported or promoted embedded struct field
		}
		name := columnName(&fields[i])
		if name == "-" {
			continue // explicitly ignored
		}
		typ, nullable, err := GoType(fields[i].Type)
		if err != nil {
			info.err = errors.WithMessagef(err, "%s.%s", t, fields[i].Name)
			return info
		}
		sf := StructField{
			Field:  Field{Name: name, Type: typ, Nullable: nullable},
			Index:  fields[i].Index[0],
			GoType: fields[i].Type,
		}
		info.fields = append(info.fields, sf)
		cols = append(cols, sf.Field)
	}
	if len(cols) == 0 {
		info.err = errors.Errorf("schema: %s has no exported fields", t)
		return info
	}
	info.schema, info.err = New(cols...)
	return info
}

func lookupStruct(t reflect.Type) *structInfo {
	if v, ok := structCache.Load(t); ok {
		return v.(*structInfo)
	}
	v, _ := structCache.LoadOrStore(t, compileStruct(t))
	return v.(*structInfo)
}

// StructFields returns the column bindings
// for the fields of the struct type t.
func StructFields(t reflect.Type) ([]StructField, error) {
	if t.Kind() != reflect.Struct {
		return nil, errors.Errorf("schema: %s is not a struct", t)
	}
	info := lookupStruct(t)
	return info.fields, info.err
}

// FromType returns the Schema for
// records of the struct type t.
func FromType(t reflect.Type) (*Schema, error) {
	if t.Kind() != reflect.Struct {
		return nil, errors.Errorf("schema: %s is not a struct", t)
	}
	info := lookupStruct(t)
	return info.schema, info.err
}

// Of returns the Schema for records of type T,
// which must be a struct type.
func Of[T any]() (*Schema, error) {
	return FromType(reflect.TypeOf((*T)(nil)).Elem())
}
