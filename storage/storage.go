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

// Package storage defines the remote storage
// capability used by upload sessions and the
// row-group engine.
//
// A Store is an append-only object store:
// a file is built by appending bytes at increasing
// offsets and becomes durable (and, for most
// implementations, visible) once it is committed
// at its exact final length.
package storage

import (
	"context"
	"io"
	"io/fs"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotExist is returned (possibly wrapped)
	// when a path does not exist.
	ErrNotExist = fs.ErrNotExist
	// ErrOffset is returned from Append when
	// the offset does not match the number of
	// bytes already appended to the file.
	ErrOffset = errors.New("storage: append offset mismatch")
	// ErrCommitted is returned when appending to
	// or committing a path that has no pending upload.
	ErrCommitted = errors.New("storage: no pending upload")
)

// FileInfo describes a committed file.
type FileInfo struct {
	// Path is the path of the file within the store.
	Path string `json:"path"`
	// Size is the size of the file in bytes.
	Size int64 `json:"size"`
	// ETag is an opaque identifier for the
	// contents of the file.
	ETag string `json:"etag,omitempty"`
	// ModTime is the last modification time of the file.
	ModTime time.Time `json:"mod_time,omitempty"`
}

// Store is the remote storage capability.
//
// Implementations must be safe to use from
// multiple goroutines on different paths.
// A single path is only ever written by one
// caller at a time.
type Store interface {
	// Append writes p at offset in the pending
	// upload for path. An Append at offset 0
	// starts a new upload, replacing any pending one.
	// The offset must equal the number of bytes
	// already appended, otherwise ErrOffset is returned.
	// Implementations must not retain p.
	Append(ctx context.Context, path string, p []byte, offset int64) error
	// Commit makes the pending upload for path
	// durable at exactly size bytes. A committed
	// file at path is left unchanged until then.
	Commit(ctx context.Context, path string, size int64) (*FileInfo, error)
	// Open opens a committed file for sequential reading.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// ReadAt reads len(p) bytes from path at off.
	// It follows the io.ReaderAt contract.
	ReadAt(ctx context.Context, path string, p []byte, off int64) (int, error)
	// Stat returns the properties of a committed file.
	Stat(ctx context.Context, path string) (*FileInfo, error)
	// Rename moves from to to, replacing to
	// if it already exists.
	Rename(ctx context.Context, from, to string) error
	// Remove deletes a committed file.
	Remove(ctx context.Context, path string) error
}

// ChunkSizer is implemented by stores that
// require a minimum size for every append
// except the last one.
type ChunkSizer interface {
	MinChunkSize() int
}

// Aborter is implemented by stores that hold
// resources for pending uploads which should
// be released when an upload is abandoned.
type Aborter interface {
	Abort(ctx context.Context, path string) error
}

// MinChunkSize returns the minimum append size
// for s, or 0 if s has no minimum.
func MinChunkSize(s Store) int {
	if cs, ok := s.(ChunkSizer); ok {
		return cs.MinChunkSize()
	}
	return 0
}

// Abort releases the pending upload for path
// if s implements Aborter. Otherwise it does nothing.
func Abort(ctx context.Context, s Store, path string) error {
	if a, ok := s.(Aborter); ok {
		return a.Abort(ctx, path)
	}
	return nil
}

// IsNotExist reports whether err indicates
// that a file does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// NotExist returns an error wrapping
// ErrNotExist for path.
func NotExist(op, path string) error {
	return &fs.PathError{Op: op, Path: path, Err: ErrNotExist}
}

// OffsetError returns an error wrapping
// ErrOffset describing the mismatch.
func OffsetError(path string, want, got int64) error {
	return errors.Wrapf(ErrOffset, "%s: append at %d, have %d bytes", path, got, want)
}
