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

package rowgroup

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/pkg/errors"

	"github.com/SnellerInc/colstream/schema"
)

var (
	timeType   = reflect.TypeOf(time.Time{})
	numberType = reflect.TypeOf(json.Number(""))
)

// encoder appends records to the builders
// of a RecordBuilder, one column at a time.
type encoder struct {
	isMap bool
	cols  []colEncoder
	// for map records: lower-cased column names,
	// and per key, the number of records carrying
	// a key that matched no column
	names   map[string]struct{}
	dropped map[string]int64
}

type colEncoder struct {
	name     string
	nullable bool
	index    int // struct field index, or -1
}

// newEncoder binds the record type t to
// the columns of target.
func newEncoder(t reflect.Type, target *arrow.Schema) (*encoder, error) {
	enc := &encoder{isMap: t == mapType}
	var fields []schema.StructField
	if !enc.isMap {
		var err error
		fields, err = schema.StructFields(t)
		if err != nil {
			return nil, err
		}
	}
	for i := 0; i < target.NumFields(); i++ {
		af := target.Field(i)
		ce := colEncoder{name: af.Name, nullable: af.Nullable, index: -1}
		if !enc.isMap {
			for j := range fields {
				if strings.EqualFold(fields[j].Name, af.Name) {
					ce.index = fields[j].Index
					break
				}
			}
			if ce.index < 0 && !af.Nullable {
				return nil, errors.Wrapf(ErrMissingField, "column %q has no field in %s", af.Name, t)
			}
		}
		enc.cols = append(enc.cols, ce)
	}
	if enc.isMap {
		enc.names = make(map[string]struct{}, len(enc.cols))
		for i := range enc.cols {
			enc.names[strings.ToLower(enc.cols[i].name)] = struct{}{}
		}
	}
	return enc, nil
}

// drop counts the keys of m that
// are not columns of the target schema.
func (e *encoder) drop(m map[string]any) {
	if len(m) <= len(e.names) {
		matched := 0
		for k := range m {
			if _, ok := e.names[strings.ToLower(k)]; ok {
				matched++
			}
		}
		if matched == len(m) {
			return
		}
	}
	for k := range m {
		if _, ok := e.names[strings.ToLower(k)]; ok {
			continue
		}
		if e.dropped == nil {
			e.dropped = make(map[string]int64)
		}
		e.dropped[k]++
	}
}

func mapValue(m map[string]any, name string) reflect.Value {
	v, ok := m[name]
	if !ok {
		for k, kv := range m {
			if strings.EqualFold(k, name) {
				v = kv
				break
			}
		}
	}
	if v == nil {
		return reflect.Value{}
	}
	return reflect.ValueOf(v)
}

// append adds one record to rb.
func (e *encoder) append(rb *array.RecordBuilder, rec any) error {
	var m map[string]any
	var rv reflect.Value
	if e.isMap {
		m = rec.(map[string]any)
		e.drop(m)
	} else {
		rv = reflect.ValueOf(rec)
	}
	for i := range e.cols {
		c := &e.cols[i]
		var v reflect.Value
		if e.isMap {
			v = mapValue(m, c.name)
		} else if c.index >= 0 {
			v = rv.Field(c.index)
		}
		null, err := appendValue(rb.Field(i), v)
		if err != nil {
			return errors.WithMessagef(err, "column %q", c.name)
		}
		if null && !c.nullable {
			return errors.Wrapf(ErrFieldType, "column %q: null value for required column", c.name)
		}
	}
	return nil
}

func typeError(v reflect.Value, dt arrow.DataType) error {
	return errors.Wrapf(ErrFieldType, "cannot store %s in %s column", v.Type(), dt)
}

func toInt(v reflect.Value) (int64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		return int64(u), u <= math.MaxInt64
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	case reflect.String:
		if v.Type() == numberType {
			i, err := json.Number(v.String()).Int64()
			return i, err == nil
		}
	}
	return 0, false
}

func toFloat(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.String:
		if v.Type() == numberType {
			f, err := json.Number(v.String()).Float64()
			return f, err == nil
		}
	}
	return 0, false
}

func fromTime(t time.Time, unit arrow.TimeUnit) arrow.Timestamp {
	switch unit {
	case arrow.Second:
		return arrow.Timestamp(t.Unix())
	case arrow.Millisecond:
		return arrow.Timestamp(t.UnixMilli())
	case arrow.Nanosecond:
		return arrow.Timestamp(t.UnixNano())
	default:
		return arrow.Timestamp(t.UnixMicro())
	}
}

func toTime(v reflect.Value) (time.Time, bool) {
	if v.Type() == timeType {
		return v.Interface().(time.Time), true
	}
	if v.Kind() == reflect.String && v.Type() != numberType {
		t, err := time.Parse(time.RFC3339Nano, v.String())
		return t, err == nil
	}
	return time.Time{}, false
}

// appendValue appends v to b, converting between
// compatible kinds. An invalid or nil v appends a
// null, in which case null is true.
func appendValue(b array.Builder, v reflect.Value) (null bool, err error) {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			v = reflect.Value{}
			break
		}
		v = v.Elem()
	}
	if v.IsValid() && v.Kind() == reflect.Slice && v.IsNil() {
		v = reflect.Value{}
	}
	if !v.IsValid() {
		b.AppendNull()
		return true, nil
	}
	switch b := b.(type) {
	case *array.BooleanBuilder:
		if v.Kind() != reflect.Bool {
			return false, typeError(v, b.Type())
		}
		b.Append(v.Bool())
	case *array.Int32Builder:
		i, ok := toInt(v)
		if !ok || i < math.MinInt32 || i > math.MaxInt32 {
			return false, typeError(v, b.Type())
		}
		b.Append(int32(i))
	case *array.Int64Builder:
		i, ok := toInt(v)
		if !ok {
			return false, typeError(v, b.Type())
		}
		b.Append(i)
	case *array.Float32Builder:
		f, ok := toFloat(v)
		if !ok {
			return false, typeError(v, b.Type())
		}
		b.Append(float32(f))
	case *array.Float64Builder:
		f, ok := toFloat(v)
		if !ok {
			return false, typeError(v, b.Type())
		}
		b.Append(f)
	case *array.StringBuilder:
		switch {
		case v.Kind() == reflect.String:
			b.Append(v.String())
		case v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8:
			b.Append(string(v.Bytes()))
		default:
			return false, typeError(v, b.Type())
		}
	case *array.BinaryBuilder:
		switch {
		case v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8:
			b.Append(v.Bytes())
		case v.Kind() == reflect.String:
			b.AppendString(v.String())
		default:
			return false, typeError(v, b.Type())
		}
	case *array.TimestampBuilder:
		t, ok := toTime(v)
		if !ok {
			return false, typeError(v, b.Type())
		}
		b.Append(fromTime(t, b.Type().(*arrow.TimestampType).Unit))
	default:
		return false, errors.Wrapf(schema.ErrUnsupportedType, "arrow type %s", b.Type())
	}
	return false, nil
}

// decoder converts the rows of arrow
// records back into records.
type decoder struct {
	t     reflect.Type
	isMap bool
	cols  []colDecoder
}

type colDecoder struct {
	name  string
	col   int // column index in the record
	index int // struct field index
}

// columns returns the indices of the columns of src
// that are needed to decode records of type t.
func columns(t reflect.Type, src *arrow.Schema) ([]int, error) {
	if t == mapType {
		out := make([]int, src.NumFields())
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	fields, err := schema.StructFields(t)
	if err != nil {
		return nil, err
	}
	var out []int
	for i := 0; i < src.NumFields(); i++ {
		name := src.Field(i).Name
		for j := range fields {
			if strings.EqualFold(fields[j].Name, name) {
				out = append(out, i)
				break
			}
		}
	}
	if len(out) == 0 {
		return nil, errors.Wrapf(ErrMissingField, "no column matches a field of %s", t)
	}
	return out, nil
}

func newDecoder(t reflect.Type, src *arrow.Schema) (*decoder, error) {
	dec := &decoder{t: t, isMap: t == mapType}
	if dec.isMap {
		for i := 0; i < src.NumFields(); i++ {
			dec.cols = append(dec.cols, colDecoder{name: src.Field(i).Name, col: i})
		}
		return dec, nil
	}
	fields, err := schema.StructFields(t)
	if err != nil {
		return nil, err
	}
	for i := range fields {
		for j := 0; j < src.NumFields(); j++ {
			if strings.EqualFold(fields[i].Name, src.Field(j).Name) {
				dec.cols = append(dec.cols, colDecoder{
					name:  fields[i].Name,
					col:   j,
					index: fields[i].Index,
				})
				break
			}
		}
	}
	return dec, nil
}

// decode returns row of rec as a record.
func (d *decoder) decode(rec arrow.Record, row int) (any, error) {
	if d.isMap {
		m := make(map[string]any, len(d.cols))
		for i := range d.cols {
			arr := rec.Column(d.cols[i].col)
			if arr.IsNull(row) {
				m[d.cols[i].name] = nil
				continue
			}
			v, err := native(arr, row)
			if err != nil {
				return nil, errors.WithMessagef(err, "column %q", d.cols[i].name)
			}
			m[d.cols[i].name] = v
		}
		return m, nil
	}
	rv := reflect.New(d.t).Elem()
	for i := range d.cols {
		arr := rec.Column(d.cols[i].col)
		if arr.IsNull(row) {
			continue
		}
		if err := setValue(rv.Field(d.cols[i].index), arr, row); err != nil {
			return nil, errors.WithMessagef(err, "column %q", d.cols[i].name)
		}
	}
	return rv.Interface(), nil
}

// native returns the natural Go value of arr[row].
func native(arr arrow.Array, row int) (any, error) {
	switch a := arr.(type) {
	case *array.Boolean:
		return a.Value(row), nil
	case *array.Int32:
		return a.Value(row), nil
	case *array.Int64:
		return a.Value(row), nil
	case *array.Float32:
		return a.Value(row), nil
	case *array.Float64:
		return a.Value(row), nil
	case *array.String:
		return a.Value(row), nil
	case *array.Binary:
		return bytes.Clone(a.Value(row)), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(row).ToTime(unit), nil
	default:
		return nil, errors.Wrapf(schema.ErrUnsupportedType, "arrow type %s", arr.DataType())
	}
}

func loadError(dst reflect.Value, arr arrow.Array) error {
	return errors.Wrapf(ErrFieldType, "cannot load %s column into %s", arr.DataType(), dst.Type())
}

func setInt(dst reflect.Value, i int64) bool {
	switch dst.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if dst.OverflowInt(i) {
			return false
		}
		dst.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if i < 0 || dst.OverflowUint(uint64(i)) {
			return false
		}
		dst.SetUint(uint64(i))
	case reflect.Float32, reflect.Float64:
		dst.SetFloat(float64(i))
	default:
		return false
	}
	return true
}

// setValue stores arr[row] into dst,
// which must be settable. Pointers are allocated.
func setValue(dst reflect.Value, arr arrow.Array, row int) error {
	switch dst.Kind() {
	case reflect.Pointer:
		p := reflect.New(dst.Type().Elem())
		if err := setValue(p.Elem(), arr, row); err != nil {
			return err
		}
		dst.Set(p)
		return nil
	case reflect.Interface:
		v, err := native(arr, row)
		if err != nil {
			return err
		}
		rv := reflect.ValueOf(v)
		if !rv.Type().AssignableTo(dst.Type()) {
			return loadError(dst, arr)
		}
		dst.Set(rv)
		return nil
	}
	ok := true
	switch a := arr.(type) {
	case *array.Boolean:
		ok = dst.Kind() == reflect.Bool
		if ok {
			dst.SetBool(a.Value(row))
		}
	case *array.Int32:
		ok = setInt(dst, int64(a.Value(row)))
	case *array.Int64:
		ok = setInt(dst, a.Value(row))
	case *array.Float32, *array.Float64:
		var f float64
		if a32, is32 := a.(*array.Float32); is32 {
			f = float64(a32.Value(row))
		} else {
			f = a.(*array.Float64).Value(row)
		}
		ok = dst.Kind() == reflect.Float32 || dst.Kind() == reflect.Float64
		if ok {
			dst.SetFloat(f)
		}
	case *array.String:
		switch {
		case dst.Kind() == reflect.String:
			dst.SetString(a.Value(row))
		case dst.Kind() == reflect.Slice && dst.Type().Elem().Kind() == reflect.Uint8:
			dst.SetBytes([]byte(a.Value(row)))
		default:
			ok = false
		}
	case *array.Binary:
		switch {
		case dst.Kind() == reflect.Slice && dst.Type().Elem().Kind() == reflect.Uint8:
			dst.SetBytes(bytes.Clone(a.Value(row)))
		case dst.Kind() == reflect.String:
			dst.SetString(string(a.Value(row)))
		default:
			ok = false
		}
	case *array.Timestamp:
		ok = dst.Type() == timeType
		if ok {
			unit := a.DataType().(*arrow.TimestampType).Unit
			dst.Set(reflect.ValueOf(a.Value(row).ToTime(unit)))
		}
	default:
		return errors.Wrapf(schema.ErrUnsupportedType, "arrow type %s", arr.DataType())
	}
	if !ok {
		return loadError(dst, arr)
	}
	return nil
}
