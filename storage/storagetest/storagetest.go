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

// Package storagetest provides a conformance
// suite for storage.Store implementations.
package storagetest

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SnellerInc/colstream/storage"
)

// Run exercises the storage.Store contract on s.
// The store must be empty.
func Run(t *testing.T, s storage.Store) {
	t.Run("append-commit", func(t *testing.T) { appendCommit(t, s) })
	t.Run("offsets", func(t *testing.T) { offsets(t, s) })
	t.Run("restart", func(t *testing.T) { restart(t, s) })
	t.Run("empty", func(t *testing.T) { empty(t, s) })
	t.Run("missing", func(t *testing.T) { missing(t, s) })
	t.Run("rename-remove", func(t *testing.T) { renameRemove(t, s) })
	t.Run("file", func(t *testing.T) { file(t, s) })
	if _, ok := s.(storage.Aborter); ok {
		t.Run("abort", func(t *testing.T) { abort(t, s) })
		t.Run("abort-replace", func(t *testing.T) { abortReplace(t, s) })
	}
}

func put(t *testing.T, s storage.Store, path string, chunks ...[]byte) []byte {
	ctx := context.Background()
	var all []byte
	for _, c := range chunks {
		require.NoError(t, s.Append(ctx, path, c, int64(len(all))))
		all = append(all, c...)
	}
	info, err := s.Commit(ctx, path, int64(len(all)))
	require.NoError(t, err)
	require.Equal(t, int64(len(all)), info.Size)
	require.Equal(t, path, info.Path)
	return all
}

func contents(t *testing.T, s storage.Store, path string) []byte {
	rc, err := s.Open(context.Background(), path)
	require.NoError(t, err)
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	require.NoError(t, err)
	return buf
}

func appendCommit(t *testing.T, s storage.Store) {
	want := put(t, s, "a/b/data.bin", []byte("hello, "), []byte("world"), bytes.Repeat([]byte{'x'}, 1000))
	assert.Equal(t, want, contents(t, s, "a/b/data.bin"))

	info, err := s.Stat(context.Background(), "a/b/data.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(want)), info.Size)

	buf := make([]byte, 5)
	n, err := s.ReadAt(context.Background(), "a/b/data.bin", buf, 7)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf))
}

func offsets(t *testing.T, s storage.Store) {
	ctx := context.Background()
	err := s.Append(ctx, "offsets", []byte("abc"), 10)
	assert.ErrorIs(t, err, storage.ErrOffset, "append without a pending upload")

	require.NoError(t, s.Append(ctx, "offsets", []byte("abc"), 0))
	err = s.Append(ctx, "offsets", []byte("def"), 2)
	assert.ErrorIs(t, err, storage.ErrOffset)
	_, err = s.Commit(ctx, "offsets", 4)
	assert.ErrorIs(t, err, storage.ErrOffset)

	// the pending upload survives the failed calls
	require.NoError(t, s.Append(ctx, "offsets", []byte("def"), 3))
	_, err = s.Commit(ctx, "offsets", 6)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(contents(t, s, "offsets")))

	_, err = s.Commit(ctx, "offsets", 6)
	assert.ErrorIs(t, err, storage.ErrCommitted)
}

func restart(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "restart", []byte("discarded"), 0))
	put(t, s, "restart", []byte("kept"))
	assert.Equal(t, "kept", string(contents(t, s, "restart")))
}

func empty(t *testing.T, s storage.Store) {
	info, err := s.Commit(context.Background(), "empty", 0)
	require.NoError(t, err)
	assert.Zero(t, info.Size)
	assert.Empty(t, contents(t, s, "empty"))
}

func missing(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.Stat(ctx, "nope")
	assert.True(t, storage.IsNotExist(err), "stat: %v", err)
	_, err = s.Open(ctx, "nope")
	assert.True(t, storage.IsNotExist(err), "open: %v", err)
	_, err = s.ReadAt(ctx, "nope", make([]byte, 1), 0)
	assert.True(t, storage.IsNotExist(err), "read: %v", err)
	err = s.Remove(ctx, "nope")
	assert.True(t, storage.IsNotExist(err), "remove: %v", err)
	err = s.Rename(ctx, "nope", "other")
	assert.True(t, storage.IsNotExist(err), "rename: %v", err)
}

func renameRemove(t *testing.T, s storage.Store) {
	ctx := context.Background()
	put(t, s, "src", []byte("new"))
	put(t, s, "dst", []byte("old"))
	require.NoError(t, s.Rename(ctx, "src", "dst"))
	assert.Equal(t, "new", string(contents(t, s, "dst")))
	_, err := s.Stat(ctx, "src")
	assert.True(t, storage.IsNotExist(err))

	require.NoError(t, s.Remove(ctx, "dst"))
	_, err = s.Stat(ctx, "dst")
	assert.True(t, storage.IsNotExist(err))
}

func file(t *testing.T, s storage.Store) {
	ctx := context.Background()
	want := put(t, s, "file", []byte("0123456789"))
	f, err := storage.OpenFile(ctx, s, "file")
	require.NoError(t, err)
	assert.Equal(t, int64(len(want)), f.Size())

	buf := make([]byte, 4)
	n, err := f.ReadAt(buf, 8)
	assert.Equal(t, 2, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "89", string(buf[:n]))

	_, err = f.Seek(-3, io.SeekEnd)
	require.NoError(t, err)
	rest, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "789", string(rest))

	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	all, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, want, all)
}

func abort(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "aborted", []byte("partial"), 0))
	require.NoError(t, storage.Abort(ctx, s, "aborted"))
	_, err := s.Commit(ctx, "aborted", 7)
	assert.ErrorIs(t, err, storage.ErrCommitted)
	_, err = s.Stat(ctx, "aborted")
	assert.True(t, storage.IsNotExist(err))
	// aborting twice is harmless
	assert.NoError(t, storage.Abort(ctx, s, "aborted"))
}

// an upload over an existing file must not
// disturb it until commit, nor after abort
func abortReplace(t *testing.T, s storage.Store) {
	ctx := context.Background()
	put(t, s, "replace", []byte("old"))
	require.NoError(t, s.Append(ctx, "replace", []byte("new contents"), 0))
	assert.Equal(t, "old", string(contents(t, s, "replace")))
	require.NoError(t, storage.Abort(ctx, s, "replace"))
	assert.Equal(t, "old", string(contents(t, s, "replace")))
	info, err := s.Stat(ctx, "replace")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size)
}
