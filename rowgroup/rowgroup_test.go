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
	"context"
	"fmt"
	"iter"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SnellerInc/colstream/schema"
	"github.com/SnellerInc/colstream/storage"
	"github.com/SnellerInc/colstream/storage/memfs"
)

type row struct {
	ID    int64    `json:"id"`
	Name  string   `json:"name"`
	Score *float64 `json:"score"`
	Ratio float32
	OK    bool
	Small int16
	At    time.Time
	Blob  []byte
}

func mkrow(i int) row {
	r := row{
		ID:    int64(i),
		Name:  fmt.Sprintf("row-%d", i),
		Ratio: float32(i) / 4,
		OK:    i%2 == 0,
		Small: int16(i % 100),
		At:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Add(time.Duration(i) * time.Millisecond),
	}
	if i%3 != 0 {
		s := float64(i) * 1.5
		r.Score = &s
	}
	if i%5 != 0 {
		r.Blob = []byte{byte(i), byte(i >> 8), 1}
	}
	return r
}

func rows(n int) []row {
	out := make([]row, n)
	for i := range out {
		out[i] = mkrow(i)
	}
	return out
}

func generate(n int) iter.Seq2[row, error] {
	return func(yield func(row, error) bool) {
		for i := 0; i < n; i++ {
			if !yield(mkrow(i), nil) {
				return
			}
		}
	}
}

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	var out []T
	for v, err := range seq {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func groupRows(t *testing.T, buf []byte) []int64 {
	t.Helper()
	pr, err := file.NewParquetReader(bytes.NewReader(buf))
	require.NoError(t, err)
	defer pr.Close()
	out := make([]int64, pr.NumRowGroups())
	for i := range out {
		out[i] = pr.MetaData().RowGroup(i).NumRows()
	}
	return out
}

func normalize(rs []row) []row {
	for i := range rs {
		rs[i].At = rs[i].At.UTC()
	}
	return rs
}

func newEngine(groups int) (*Engine, *memfs.FS) {
	fs := memfs.New()
	return &Engine{Store: fs, RowGroupSize: groups}, fs
}

func TestRowGroupCount(t *testing.T) {
	ctx := context.Background()
	e, fs := newEngine(0)
	res, err := Write(ctx, e, "big.parquet", generate(25001))
	require.NoError(t, err)
	assert.Equal(t, int64(25001), res.Rows)
	assert.Equal(t, 3, res.RowGroups)
	assert.Equal(t, []int64{10000, 10000, 1}, groupRows(t, fs.Bytes("big.parquet")))
	assert.Equal(t, int64(len(fs.Bytes("big.parquet"))), res.File.Size)
}

func TestRowGroupSizes(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		records, size int
	}{
		{1, 10},
		{10, 10},
		{11, 10},
		{99, 7},
		{100, 1},
	} {
		e, fs := newEngine(tc.size)
		res, err := Write(ctx, e, "f", Slice(rows(tc.records)))
		require.NoError(t, err)
		want := (tc.records + tc.size - 1) / tc.size
		got := groupRows(t, fs.Bytes("f"))
		require.Len(t, got, want, "%d records in groups of %d", tc.records, tc.size)
		assert.Equal(t, want, res.RowGroups)
		var total int64
		for _, n := range got {
			assert.LessOrEqual(t, n, int64(tc.size))
			total += n
		}
		assert.Equal(t, int64(tc.records), total)
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, codec := range []string{"", "zstd", "gzip", "none"} {
		e, _ := newEngine(64)
		e.Compression = codec
		e.ChunkSize = 1024
		want := rows(500)
		_, err := Write(ctx, e, "rt.parquet", Slice(want))
		require.NoError(t, err, codec)
		got := normalize(collect(t, Read[row](ctx, e, "rt.parquet")))
		require.Equal(t, want, got, codec)
	}
}

func TestEmptySource(t *testing.T) {
	ctx := context.Background()
	e, fs := newEngine(10)
	res, err := Write(ctx, e, "empty.parquet", Slice[row](nil))
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowGroups)
	assert.Empty(t, groupRows(t, fs.Bytes("empty.parquet")))
	assert.Empty(t, collect(t, Read[row](ctx, e, "empty.parquet")))

	v, err := e.Validate(ctx, "empty.parquet", LevelFull)
	require.NoError(t, err)
	assert.True(t, v.Valid, v.Reason)
	assert.Equal(t, 0, v.RowGroups)
}

func TestStreaming(t *testing.T) {
	ctx := context.Background()
	e, fs := newEngine(100)
	e.ChunkSize = 4096
	rnd := rand.New(rand.NewSource(1))
	streamed := false
	src := func(yield func(row, error) bool) {
		for i := 0; i < 2000; i++ {
			if i == 1000 {
				n, ok := fs.Pending("s.parquet")
				streamed = ok && n > 0
			}
			r := mkrow(i)
			r.Blob = make([]byte, 64)
			rnd.Read(r.Blob)
			if !yield(r, nil) {
				return
			}
		}
	}
	_, err := Write(ctx, e, "s.parquet", src)
	require.NoError(t, err)
	assert.True(t, streamed, "row groups should be uploaded before the source is exhausted")
	assert.Len(t, groupRows(t, fs.Bytes("s.parquet")), 20)
}

func TestSourceError(t *testing.T) {
	ctx := context.Background()
	e, fs := newEngine(10)
	e.ChunkSize = 64
	boom := errors.New("source failed")
	src := func(yield func(row, error) bool) {
		for i := 0; i < 50; i++ {
			if !yield(mkrow(i), nil) {
				return
			}
		}
		yield(row{}, boom)
	}
	_, err := Write(ctx, e, "bad.parquet", src)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, fs.Bytes("bad.parquet"))
	_, pending := fs.Pending("bad.parquet")
	assert.False(t, pending, "aborted upload should be released")
}

func TestCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e, fs := newEngine(10)
	_, err := Write(ctx, e, "c.parquet", generate(100))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, fs.Len())
}

func TestInvalidArguments(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(10)
	_, err := Write(ctx, e, "", generate(1))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Write[row](ctx, e, "x", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Write(ctx, &Engine{}, "x", generate(1))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Merge[row](ctx, e, "x", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Write(ctx, e, "x", Slice([]int{1}))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Write(ctx, e, "x", Slice([]map[string]any{{"a": 1}}))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	e.Compression = "lzo"
	_, err = Write(ctx, e, "x", generate(1))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	for _, err := range Read[row](ctx, e, "") {
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}
	_, err = e.Validate(ctx, "x", Level(9))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestReadMissing(t *testing.T) {
	e, _ := newEngine(10)
	n := 0
	for _, err := range Read[row](context.Background(), e, "nope") {
		n++
		assert.True(t, storage.IsNotExist(err))
	}
	assert.Equal(t, 1, n)
}

func TestReadSubset(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(16)
	_, err := Write(ctx, e, "f", Slice(rows(40)))
	require.NoError(t, err)

	type partial struct {
		NAME    string
		Id      uint32
		Missing string
		Score   float64
	}
	got := collect(t, Read[partial](ctx, e, "f"))
	require.Len(t, got, 40)
	for i := range got {
		assert.Equal(t, fmt.Sprintf("row-%d", i), got[i].NAME)
		assert.Equal(t, uint32(i), got[i].Id)
		assert.Empty(t, got[i].Missing)
		if i%3 == 0 {
			assert.Zero(t, got[i].Score, "null reads as zero value")
		} else {
			assert.Equal(t, float64(i)*1.5, got[i].Score)
		}
	}

	type unrelated struct {
		Foo int
	}
	var errs int
	for _, err := range Read[unrelated](ctx, e, "f") {
		assert.ErrorIs(t, err, ErrMissingField)
		errs++
	}
	assert.Equal(t, 1, errs)
}

func TestReadEarlyStop(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(10)
	_, err := Write(ctx, e, "f", generate(100))
	require.NoError(t, err)
	n := 0
	for r, err := range Read[row](ctx, e, "f") {
		require.NoError(t, err)
		assert.Equal(t, int64(n), r.ID)
		n++
		if n == 15 {
			break
		}
	}
	assert.Equal(t, 15, n)
}

func TestReadIncompatible(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(10)
	_, err := Write(ctx, e, "f", generate(5))
	require.NoError(t, err)
	type wrong struct {
		Name int64 `json:"name"`
	}
	for _, err := range Read[wrong](ctx, e, "f") {
		assert.ErrorIs(t, err, ErrFieldType)
		break
	}
}

func TestSchema(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(10)
	_, err := Write(ctx, e, "f", generate(3))
	require.NoError(t, err)
	s, err := e.Schema(ctx, "f")
	require.NoError(t, err)
	want, err := schema.Of[row]()
	require.NoError(t, err)
	assert.True(t, want.Equal(s), "got %s want %s", s, want)

	_, err = e.Schema(ctx, "missing")
	assert.True(t, storage.IsNotExist(err))
}

type user struct {
	Id   int64
	Name string
}

type scoredUser struct {
	Id    int64
	Name  string
	Score float64
}

func TestMergeEvolve(t *testing.T) {
	ctx := context.Background()
	logger, hook := test.NewNullLogger()
	e, fs := newEngine(2)
	e.Logger = logger
	_, err := Write(ctx, e, "users.parquet", Slice([]user{
		{1, "a"}, {2, "b"}, {3, "c"}, {4, "d"}, {5, "e"},
	}))
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 2, 1}, groupRows(t, fs.Bytes("users.parquet")))

	res, err := Merge(ctx, e, "users.parquet", Slice([]scoredUser{
		{6, "f", 0.5}, {7, "g", 1.5}, {8, "h", 2.5},
	}))
	require.NoError(t, err)
	assert.Equal(t, []schema.Field{
		{Name: "Id", Type: schema.Int64},
		{Name: "Name", Type: schema.String},
		{Name: "Score", Type: schema.Float64, Nullable: true},
	}, res.Schema.Fields())
	assert.Equal(t, []schema.Field{{Name: "Score", Type: schema.Float64, Nullable: true}}, res.Added)
	assert.Equal(t, int64(8), res.Rows)
	assert.Equal(t, []int64{2, 2, 1, 2, 1}, groupRows(t, fs.Bytes("users.parquet")))
	assert.Equal(t, 1, fs.Len(), "temporary file should be gone")

	s, err := e.Schema(ctx, "users.parquet")
	require.NoError(t, err)
	assert.True(t, s.Equal(res.Schema))

	type out struct {
		Id    int64
		Name  string
		Score *float64
	}
	got := collect(t, Read[out](ctx, e, "users.parquet"))
	require.Len(t, got, 8)
	for i := range got {
		assert.Equal(t, int64(i+1), got[i].Id)
		if i < 5 {
			assert.Nil(t, got[i].Score)
		} else {
			require.NotNil(t, got[i].Score)
			assert.Equal(t, float64(i-5)+0.5, *got[i].Score)
		}
	}

	var merged *logrus.Entry
	for _, ent := range hook.AllEntries() {
		if ent.Message == "merged file" {
			merged = ent
		}
	}
	require.NotNil(t, merged)
	assert.Equal(t, 1, merged.Data["added"])
}

func TestMergeSameSchema(t *testing.T) {
	ctx := context.Background()
	e, fs := newEngine(10)
	_, err := Write(ctx, e, "f", Slice([]user{{1, "a"}}))
	require.NoError(t, err)
	res, err := Merge(ctx, e, "f", Slice([]user{{2, "b"}}))
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Equal(t, []int64{1, 1}, groupRows(t, fs.Bytes("f")))
	got := collect(t, Read[user](ctx, e, "f"))
	assert.Equal(t, []user{{1, "a"}, {2, "b"}}, got)
}

func TestMergeSubsetFields(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(10)
	_, err := Write(ctx, e, "f", Slice([]scoredUser{{1, "a", 1}}))
	require.NoError(t, err)

	// Score is required in the file, so a
	// record without it cannot be merged
	_, err = Merge(ctx, e, "f", Slice([]user{{2, "b"}}))
	assert.ErrorIs(t, err, ErrMissingField)

	type extended struct {
		Id    int64
		Name  string
		Score float64
		Extra *string
	}
	extra := "x"
	res, err := Merge(ctx, e, "f", Slice([]extended{{3, "c", 3, &extra}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Id", "Name", "Score", "Extra"}, res.Schema.Names())

	// Extra is nullable, so it may be omitted
	_, err = Merge(ctx, e, "f", Slice([]scoredUser{{4, "d", 4}}))
	require.NoError(t, err)

	type onlyID struct {
		Id int64
	}
	assert.Equal(t, []onlyID{{1}, {3}, {4}}, collect(t, Read[onlyID](ctx, e, "f")))
	got := collect(t, Read[extended](ctx, e, "f"))
	require.Len(t, got, 3)
	assert.Nil(t, got[0].Extra)
	require.NotNil(t, got[1].Extra)
	assert.Equal(t, "x", *got[1].Extra)
	assert.Nil(t, got[2].Extra)
}

func TestMergeMissingTarget(t *testing.T) {
	ctx := context.Background()
	e, fs := newEngine(10)
	res, err := Merge(ctx, e, "new.parquet", Slice([]user{{1, "a"}}))
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.NotNil(t, fs.Bytes("new.parquet"))
}

func TestMergeFailureKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	e, fs := newEngine(10)
	_, err := Write(ctx, e, "f", Slice([]user{{1, "a"}, {2, "b"}}))
	require.NoError(t, err)
	before := bytes.Clone(fs.Bytes("f"))

	boom := errors.New("stream broke")
	src := func(yield func(scoredUser, error) bool) {
		if !yield(scoredUser{3, "c", 1}, nil) {
			return
		}
		yield(scoredUser{}, boom)
	}
	_, err = Merge(ctx, e, "f", src)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, fs.Bytes("f"))
	assert.Equal(t, 1, fs.Len())

	type badName struct {
		Id   int64
		Name int64
	}
	_, err = Merge(ctx, e, "f", Slice([]badName{{3, 3}}))
	assert.ErrorIs(t, err, ErrFieldType)
	assert.Equal(t, before, fs.Bytes("f"))
	assert.Equal(t, 1, fs.Len())
}

// failCommit is a memfs.FS whose commits fail.
type failCommit struct {
	*memfs.FS
	err error
}

func (f *failCommit) Commit(ctx context.Context, path string, size int64) (*storage.FileInfo, error) {
	return nil, f.err
}

func TestCommitFailureKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	e, fs := newEngine(10)
	_, err := Write(ctx, e, "f", Slice([]user{{1, "a"}}))
	require.NoError(t, err)
	before := bytes.Clone(fs.Bytes("f"))

	boom := errors.New("commit refused")
	e.Store = &failCommit{FS: fs, err: boom}
	_, err = Write(ctx, e, "f", Slice([]user{{2, "b"}, {3, "c"}}))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, fs.Bytes("f"))
	_, pending := fs.Pending("f")
	assert.False(t, pending, "failed commit left an upload behind")
}

func TestMapRecords(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(2)
	e.RecordSchema = schema.MustNew(
		schema.Field{Name: "id", Type: schema.Int64},
		schema.Field{Name: "name", Type: schema.String, Nullable: true},
		schema.Field{Name: "at", Type: schema.Timestamp, Nullable: true},
	)
	in := []map[string]any{
		{"id": 1, "name": "a", "at": "2024-05-06T07:08:09Z"},
		{"ID": int32(2)},
		{"id": 3.0, "name": "c", "extra": true},
	}
	_, err := Write(ctx, e, "m", Slice(in))
	require.NoError(t, err)

	got := collect(t, Read[map[string]any](ctx, e, "m"))
	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got[0]["id"])
	assert.Equal(t, "a", got[0]["name"])
	assert.True(t, time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC).Equal(got[0]["at"].(time.Time)))
	assert.Equal(t, int64(2), got[1]["id"])
	assert.Nil(t, got[1]["name"])
	assert.Equal(t, int64(3), got[2]["id"])
	assert.NotContains(t, got[2], "extra")

	_, err = Write(ctx, e, "m2", Slice([]map[string]any{{"name": "no id"}}))
	assert.ErrorIs(t, err, ErrFieldType)
	_, err = Write(ctx, e, "m3", Slice([]map[string]any{{"id": 1.5}}))
	assert.ErrorIs(t, err, ErrFieldType)
}

func TestMapDroppedKeys(t *testing.T) {
	ctx := context.Background()
	logger, hook := test.NewNullLogger()
	e, _ := newEngine(10)
	e.Logger = logger
	e.RecordSchema = schema.MustNew(schema.Field{Name: "id", Type: schema.Int64})

	_, err := Write(ctx, e, "clean", Slice([]map[string]any{{"id": 1}, {"ID": 2}}))
	require.NoError(t, err)
	for _, ent := range hook.AllEntries() {
		assert.NotEqual(t, logrus.WarnLevel, ent.Level, ent.Message)
	}

	hook.Reset()
	in := []map[string]any{
		{"id": 1},
		{"id": 2, "tag": "x"},
		{"id": 3, "tag": "y", "color": "red"},
	}
	_, err = Write(ctx, e, "extra", Slice(in))
	require.NoError(t, err)
	var warned *logrus.Entry
	for _, ent := range hook.AllEntries() {
		if ent.Level == logrus.WarnLevel {
			warned = ent
		}
	}
	require.NotNil(t, warned)
	assert.Equal(t, "dropped record keys not in schema", warned.Message)
	assert.Equal(t, []string{"color", "tag"}, warned.Data["fields"])
	assert.Equal(t, 2, warned.Data["count"])
	assert.Equal(t, "extra", warned.Data["path"])
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	e, fs := newEngine(10)

	fs.WriteFile("twelve", []byte("PAR1\x00\x00\x00\x00PAR1"))
	v, err := e.Validate(ctx, "twelve", LevelMagic)
	require.NoError(t, err)
	assert.True(t, v.Valid, v.Reason)
	assert.Equal(t, int64(12), v.Size)

	v, err = e.Validate(ctx, "twelve", LevelFull)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.True(t, strings.HasPrefix(v.Reason, "invalid footer"), v.Reason)

	fs.WriteFile("eight", []byte("PAR1PAR1"))
	v, err = e.Validate(ctx, "eight", LevelSize)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Contains(t, v.Reason, "too small")
	assert.Equal(t, int64(8), v.Size)

	fs.WriteFile("badhead", []byte("XXXX\x00\x00\x00\x00PAR1"))
	v, err = e.Validate(ctx, "badhead", LevelSize)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	v, err = e.Validate(ctx, "badhead", LevelMagic)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Contains(t, v.Reason, "start")

	fs.WriteFile("badtail", []byte("PAR1\x00\x00\x00\x00PAR2"))
	v, err = e.Validate(ctx, "badtail", LevelMagic)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Contains(t, v.Reason, "end")

	v, err = e.Validate(ctx, "missing", LevelSize)
	require.NoError(t, err)
	assert.False(t, v.Valid)

	_, err = Write(ctx, e, "real", generate(25))
	require.NoError(t, err)
	v, err = e.Validate(ctx, "real", LevelFull)
	require.NoError(t, err)
	assert.True(t, v.Valid, v.Reason)
	assert.Equal(t, 3, v.RowGroups)
	assert.Equal(t, int64(25), v.Rows)
	assert.Equal(t, []string{"id", "name", "score", "Ratio", "OK", "Small", "At", "Blob"}, v.Fields)
}

func TestParseLevel(t *testing.T) {
	for _, l := range []Level{LevelSize, LevelMagic, LevelFull} {
		got, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := ParseLevel("deep")
	assert.Error(t, err)
}

// shrinking reports committed files as
// smaller than they are
type shrinking struct {
	*memfs.FS
}

func (s shrinking) Stat(ctx context.Context, path string) (*storage.FileInfo, error) {
	info, err := s.FS.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	info.Size = 8
	return info, nil
}

func TestPostWriteValidation(t *testing.T) {
	ctx := context.Background()
	e := &Engine{Store: shrinking{memfs.New()}, ValidateAfterWrite: true}
	_, err := Write(ctx, e, "f", generate(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Result.Reason, "too small")

	e.Store = memfs.New()
	_, err = Write(ctx, e, "f", generate(3))
	assert.NoError(t, err)
}
