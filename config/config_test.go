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

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SnellerInc/colstream/rowgroup"
	"github.com/SnellerInc/colstream/schema"
	"github.com/SnellerInc/colstream/storage/dirfs"
	"github.com/SnellerInc/colstream/storage/memfs"
	"github.com/SnellerInc/colstream/storage/retry"
	"github.com/SnellerInc/colstream/upload"
)

const example = `
log:
  level: debug
  format: json
storage:
  kind: mem
upload:
  chunkSize: 1048576
rowGroup:
  size: 500
  compression: zstd
  validateAfterWrite: true
retry:
  enabled: true
  initialInterval: 250ms
  maxInterval: 2s
  maxElapsedTime: 30s
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(example))
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, "mem", c.Storage.Kind)
	assert.Equal(t, 1<<20, c.Upload.ChunkSize)
	assert.Equal(t, 500, c.RowGroup.Size)
	assert.Equal(t, "zstd", c.RowGroup.Compression)
	assert.True(t, c.RowGroup.ValidateAfterWrite)
	assert.Equal(t, Duration(250*time.Millisecond), c.Retry.InitialInterval)
	assert.Equal(t, Duration(30*time.Second), c.Retry.MaxElapsedTime)
	// not mentioned, so left at the default
	assert.Equal(t, Default().Compact, c.Compact)

	l := c.Logger()
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
}

func TestParseInvalid(t *testing.T) {
	for _, doc := range []string{
		"log: {level: loud}",
		"log: {format: xml}",
		"storage: {kind: tape}",
		"storage: {kind: dir, root: ''}",
		"storage: {kind: s3}",
		"storage: {kind: gcs}",
		"storage: {kind: azure}",
		"upload: {chunkSize: -1}",
		"rowGroup: {size: -5}",
		"rowGroup: {compression: lzma}",
		"compact: {maxLineSize: -1}",
		"retry: {enabled: true, initialInterval: 0s}",
		"retry: {enabled: true, initialInterval: 2s, maxInterval: 1s}",
	} {
		_, err := Parse([]byte(doc))
		assert.ErrorIs(t, err, ErrInvalid, "%s", doc)
	}
	// unknown keys and malformed values are parse errors
	_, err := Parse([]byte("rowgroups: {size: 5}"))
	assert.Error(t, err)
	_, err = Parse([]byte("retry: {initialInterval: soon}"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	dir := t.TempDir()
	p := filepath.Join(dir, "colstream.yaml")
	require.NoError(t, os.WriteFile(p, []byte(example), 0644))
	c, err = Load(p)
	require.NoError(t, err)
	assert.Equal(t, 500, c.RowGroup.Size)

	p = filepath.Join(dir, "colstream.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"rowGroup": {"size": 7}}`), 0644))
	c, err = Load(p)
	require.NoError(t, err)
	assert.Equal(t, 7, c.RowGroup.Size)
	assert.Equal(t, rowgroup.DefaultCompression, c.RowGroup.Compression)

	_, err = Load(filepath.Join(dir, "colstream.toml"))
	assert.Error(t, err)
	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestOpenStore(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	c := Default()
	c.Storage.Root = filepath.Join(t.TempDir(), "data")
	s, err := c.OpenStore(ctx, logger)
	require.NoError(t, err)
	assert.IsType(t, &dirfs.Dir{}, s)
	assert.DirExists(t, c.Storage.Root)

	c, err = Parse([]byte(example))
	require.NoError(t, err)
	s, err = c.OpenStore(ctx, logger)
	require.NoError(t, err)
	r, ok := s.(*retry.Store)
	require.True(t, ok)
	assert.IsType(t, &memfs.FS{}, r.Inner)
	assert.Equal(t, 250*time.Millisecond, r.Policy.InitialInterval)

	e := c.Engine(s, logger)
	assert.Equal(t, 500, e.RowGroupSize)
	assert.Equal(t, "zstd", e.Compression)
	assert.Equal(t, 1<<20, e.ChunkSize)
	assert.True(t, e.ValidateAfterWrite)

	cp := c.Compactor(e)
	assert.Same(t, e, cp.Engine)
	assert.Equal(t, c.Compact.MaxLineSize, cp.MaxLineSize)

	opts := c.UploadOptions(logger)
	assert.Equal(t, upload.Options{ChunkSize: 1 << 20, Logger: logger}, opts)
}

func TestParseSchema(t *testing.T) {
	s, err := ParseSchema([]byte(`
fields:
  - name: id
    type: int64
  - name: name
    type: string
    nullable: true
  - name: at
    type: timestamp
    nullable: true
`))
	require.NoError(t, err)
	want := schema.MustNew(
		schema.Field{Name: "id", Type: schema.Int64},
		schema.Field{Name: "name", Type: schema.String, Nullable: true},
		schema.Field{Name: "at", Type: schema.Timestamp, Nullable: true},
	)
	assert.True(t, want.Equal(s), "got %s", s)

	_, err = ParseSchema([]byte("fields: []"))
	assert.Error(t, err)
	_, err = ParseSchema([]byte("fields: [{name: x, type: decimal}]"))
	assert.Error(t, err)
	_, err = ParseSchema([]byte("fields: [{name: x, type: int64}, {name: X, type: string}]"))
	assert.ErrorIs(t, err, schema.ErrDuplicateField)
}
