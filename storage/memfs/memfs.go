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

// Package memfs implements storage.Store in memory.
package memfs

import (
	"bytes"
	"context"
	"encoding/base32"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/SnellerInc/colstream/storage"
)

type file struct {
	data    []byte
	etag    string
	modtime time.Time
}

// FS is a simple in-memory implementation
// of storage.Store. The zero value is ready to use.
type FS struct {
	// ChunkSize, if non-zero, is reported
	// as the minimum chunk size of the store.
	ChunkSize int

	lock    sync.Mutex
	pending map[string][]byte
	files   map[string]*file
}

var (
	_ storage.Store      = &FS{}
	_ storage.ChunkSizer = &FS{}
	_ storage.Aborter    = &FS{}
)

// New returns an empty FS.
func New() *FS { return &FS{} }

// MinChunkSize implements storage.ChunkSizer.
func (m *FS) MinChunkSize() int { return m.ChunkSize }

func etag(buf []byte) string {
	sum := blake2b.Sum256(buf)
	return "b2sum:" + base32.StdEncoding.EncodeToString(sum[:])
}

// Append implements storage.Store.Append.
func (m *FS) Append(ctx context.Context, path string, p []byte, offset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.pending == nil {
		m.pending = make(map[string][]byte)
	}
	buf, ok := m.pending[path]
	if offset == 0 {
		buf, ok = nil, true
	}
	if !ok {
		return storage.OffsetError(path, 0, offset)
	}
	if int64(len(buf)) != offset {
		return storage.OffsetError(path, int64(len(buf)), offset)
	}
	m.pending[path] = append(buf, p...)
	return nil
}

// Commit implements storage.Store.Commit.
func (m *FS) Commit(ctx context.Context, path string, size int64) (*storage.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	buf, ok := m.pending[path]
	if !ok {
		if size != 0 {
			return nil, storage.ErrCommitted
		}
		buf = []byte{}
	}
	if int64(len(buf)) != size {
		return nil, storage.OffsetError(path, int64(len(buf)), size)
	}
	delete(m.pending, path)
	f := &file{data: buf, etag: etag(buf), modtime: time.Now()}
	m.put(path, f)
	return f.info(path), nil
}

func (m *FS) put(path string, f *file) {
	if m.files == nil {
		m.files = make(map[string]*file)
	}
	m.files[path] = f
}

func (f *file) info(path string) *storage.FileInfo {
	return &storage.FileInfo{
		Path:    path,
		Size:    int64(len(f.data)),
		ETag:    f.etag,
		ModTime: f.modtime,
	}
}

// Abort implements storage.Aborter.
func (m *FS) Abort(ctx context.Context, path string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.pending, path)
	return nil
}

func (m *FS) get(op, path string) (*file, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	f, ok := m.files[path]
	if !ok {
		return nil, storage.NotExist(op, path)
	}
	return f, nil
}

// Open implements storage.Store.Open.
func (m *FS) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := m.get("open", path)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

// ReadAt implements storage.Store.ReadAt.
func (m *FS) ReadAt(ctx context.Context, path string, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := m.get("read", path)
	if err != nil {
		return 0, err
	}
	return bytes.NewReader(f.data).ReadAt(p, off)
}

// Stat implements storage.Store.Stat.
func (m *FS) Stat(ctx context.Context, path string) (*storage.FileInfo, error) {
	f, err := m.get("stat", path)
	if err != nil {
		return nil, err
	}
	return f.info(path), nil
}

// Rename implements storage.Store.Rename.
func (m *FS) Rename(ctx context.Context, from, to string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	f, ok := m.files[from]
	if !ok {
		return storage.NotExist("rename", from)
	}
	delete(m.files, from)
	m.files[to] = f
	return nil
}

// Remove implements storage.Store.Remove.
func (m *FS) Remove(ctx context.Context, path string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.files[path]; !ok {
		return storage.NotExist("remove", path)
	}
	delete(m.files, path)
	return nil
}

// WriteFile stores buf at path as a committed file.
func (m *FS) WriteFile(path string, buf []byte) *storage.FileInfo {
	m.lock.Lock()
	defer m.lock.Unlock()
	f := &file{data: bytes.Clone(buf), etag: etag(buf), modtime: time.Now()}
	m.put(path, f)
	return f.info(path)
}

// Bytes returns the contents of the committed
// file at path, or nil if it does not exist.
func (m *FS) Bytes(path string) []byte {
	f, err := m.get("read", path)
	if err != nil {
		return nil
	}
	return f.data
}

// Pending returns the number of bytes appended
// to the pending (uncommitted) upload at path
// and whether such an upload exists.
func (m *FS) Pending(path string) (int, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	buf, ok := m.pending[path]
	return len(buf), ok
}

// Len returns the number of committed files.
func (m *FS) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.files)
}
