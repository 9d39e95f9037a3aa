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
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvolve(t *testing.T) {
	base := MustNew(
		Field{Name: "Id", Type: Int64},
		Field{Name: "Name", Type: String},
	)

	t.Run("identity", func(t *testing.T) {
		out, err := Evolve(base, base)
		require.NoError(t, err)
		assert.True(t, out.Equal(base))
	})

	t.Run("subset", func(t *testing.T) {
		sub := MustNew(Field{Name: "name", Type: Binary})
		out, err := Evolve(base, sub)
		require.NoError(t, err)
		assert.True(t, out.Equal(base), "existing field wins regardless of type")
	})

	t.Run("new field", func(t *testing.T) {
		in := MustNew(
			Field{Name: "Id", Type: Int64},
			Field{Name: "Name", Type: String},
			Field{Name: "Score", Type: Float64},
		)
		out, err := Evolve(base, in)
		require.NoError(t, err)
		assert.Equal(t, []Field{
			{Name: "Id", Type: Int64},
			{Name: "Name", Type: String},
			{Name: "Score", Type: Float64, Nullable: true},
		}, out.Fields())
		// inputs are untouched
		assert.Equal(t, 2, base.Len())
		assert.False(t, in.Field(2).Nullable)
	})

	t.Run("order", func(t *testing.T) {
		in := MustNew(
			Field{Name: "z", Type: Bool},
			Field{Name: "NAME", Type: Int32},
			Field{Name: "a", Type: Timestamp},
		)
		out, err := Evolve(base, in)
		require.NoError(t, err)
		assert.Equal(t, []string{"Id", "Name", "z", "a"}, out.Names())
		assert.Equal(t, String, out.Field(1).Type)
	})

	t.Run("empty existing", func(t *testing.T) {
		out, err := Evolve(MustNew(), base)
		require.NoError(t, err)
		for _, f := range out.Fields() {
			assert.True(t, f.Nullable)
		}
		assert.Equal(t, base.Names(), out.Names())
	})

	t.Run("nil", func(t *testing.T) {
		_, err := Evolve(nil, base)
		assert.ErrorIs(t, err, ErrNilSchema)
		_, err = Evolve(base, nil)
		assert.ErrorIs(t, err, ErrNilSchema)
	})
}

func TestAdded(t *testing.T) {
	base := MustNew(Field{Name: "a", Type: Int64})
	ev, err := Evolve(base, MustNew(Field{Name: "b", Type: String}))
	require.NoError(t, err)
	assert.Equal(t, []Field{{Name: "b", Type: String, Nullable: true}}, Added(base, ev))
	assert.Empty(t, Added(ev, ev))
}

func TestNew(t *testing.T) {
	_, err := New(Field{Name: "a", Type: Int64}, Field{Name: "A", Type: String})
	assert.ErrorIs(t, err, ErrDuplicateField)
	_, err = New(Field{Name: "", Type: Int64})
	assert.Error(t, err)
	_, err = New(Field{Name: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	fields := []Field{{Name: "a", Type: Int64}}
	s := MustNew(fields...)
	fields[0].Name = "changed"
	assert.Equal(t, "a", s.Field(0).Name)
	s.Fields()[0].Name = "changed"
	assert.Equal(t, "a", s.Field(0).Name)
}

func TestFingerprint(t *testing.T) {
	a := MustNew(Field{Name: "a", Type: Int64}, Field{Name: "b", Type: String, Nullable: true})
	b := MustNew(Field{Name: "a", Type: Int64}, Field{Name: "b", Type: String, Nullable: true})
	c := MustNew(Field{Name: "a", Type: Int64}, Field{Name: "b", Type: String})
	d := MustNew(Field{Name: "b", Type: String, Nullable: true}, Field{Name: "a", Type: Int64})
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}

func TestParseType(t *testing.T) {
	for in, want := range map[string]Type{
		"bool":      Bool,
		"Boolean":   Bool,
		"int32":     Int32,
		"int":       Int64,
		"double":    Float64,
		"float32":   Float32,
		"string":    String,
		"bytes":     Binary,
		"timestamp": Timestamp,
	} {
		got, err := ParseType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseType("decimal")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestJSON(t *testing.T) {
	s := MustNew(
		Field{Name: "id", Type: Int64},
		Field{Name: "at", Type: Timestamp, Nullable: true},
	)
	buf, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"id","type":"int64"},{"name":"at","type":"timestamp","nullable":true}]`, string(buf))

	var out Schema
	require.NoError(t, json.Unmarshal(buf, &out))
	assert.True(t, s.Equal(&out))

	err = json.Unmarshal([]byte(`[{"name":"x","type":"list"}]`), &out)
	assert.Error(t, err)
}

func TestArrow(t *testing.T) {
	s := MustNew(
		Field{Name: "b", Type: Bool},
		Field{Name: "i32", Type: Int32},
		Field{Name: "i64", Type: Int64, Nullable: true},
		Field{Name: "f32", Type: Float32},
		Field{Name: "f64", Type: Float64},
		Field{Name: "s", Type: String},
		Field{Name: "bin", Type: Binary, Nullable: true},
		Field{Name: "ts", Type: Timestamp},
	)
	as := s.Arrow()
	require.Equal(t, 8, as.NumFields())
	assert.Equal(t, arrow.TIMESTAMP, as.Field(7).Type.ID())
	assert.True(t, as.Field(2).Nullable)

	back, err := FromArrow(as)
	require.NoError(t, err)
	assert.True(t, s.Equal(back))

	nested := arrow.NewSchema([]arrow.Field{
		{Name: "l", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	}, nil)
	_, err = FromArrow(nested)
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestExtendArrow(t *testing.T) {
	base := arrow.NewSchema([]arrow.Field{
		{Name: "ID", Type: arrow.PrimitiveTypes.Int32},
		{Name: "at", Type: &arrow.TimestampType{Unit: arrow.Millisecond}},
	}, nil)
	s := MustNew(
		Field{Name: "id", Type: Int64},
		Field{Name: "extra", Type: String, Nullable: true},
	)
	out := s.ExtendArrow(base)
	require.Equal(t, 3, out.NumFields())
	assert.Equal(t, arrow.PrimitiveTypes.Int32, out.Field(0).Type)
	assert.Equal(t, arrow.Millisecond, out.Field(1).Type.(*arrow.TimestampType).Unit)
	assert.Equal(t, "extra", out.Field(2).Name)
}

type event struct {
	ID      int64      `json:"id"`
	Name    string     `colstream:"name"`
	Score   *float64   `json:"score,omitempty"`
	At      time.Time  `json:"at"`
	Deleted *time.Time `json:"deleted_at"`
	Payload []byte
	Small   uint8
	Skip    string `colstream:"-"`
	hidden  int
}

func TestOf(t *testing.T) {
	s, err := Of[event]()
	require.NoError(t, err)
	assert.Equal(t, []Field{
		{Name: "id", Type: Int64},
		{Name: "name", Type: String},
		{Name: "score", Type: Float64, Nullable: true},
		{Name: "at", Type: Timestamp},
		{Name: "deleted_at", Type: Timestamp, Nullable: true},
		{Name: "Payload", Type: Binary, Nullable: true},
		{Name: "Small", Type: Int32},
	}, s.Fields())

	again, err := FromType(reflect.TypeOf(event{}))
	require.NoError(t, err)
	assert.Same(t, s, again)

	type bad struct {
		M map[string]int
	}
	_, err = Of[bad]()
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = Of[int]()
	assert.Error(t, err)
}

func TestInferJSON(t *testing.T) {
	s, err := InferJSON([]byte(`{"id": 1, "name": "x", "score": 1.5, "ok": true, "big": 1e3, "none": null}`))
	require.NoError(t, err)
	assert.Equal(t, []Field{
		{Name: "id", Type: Int64, Nullable: true},
		{Name: "name", Type: String, Nullable: true},
		{Name: "score", Type: Float64, Nullable: true},
		{Name: "ok", Type: Bool, Nullable: true},
		{Name: "big", Type: Float64, Nullable: true},
		{Name: "none", Type: String, Nullable: true},
	}, s.Fields())

	_, err = InferJSON([]byte(`{"nested": {"a": 1}}`))
	assert.ErrorIs(t, err, ErrUnsupportedType)
	_, err = InferJSON([]byte(`[1,2]`))
	assert.Error(t, err)
}
