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

package storage

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// File is a read-only view of a committed file
// that implements io.Reader, io.ReaderAt and io.Seeker
// on top of Store.ReadAt.
type File struct {
	ctx   context.Context
	store Store
	info  FileInfo
	pos   int64
}

// OpenFile stats path and returns a File
// for random access reads. The context is
// used for every read made through the File.
func OpenFile(ctx context.Context, s Store, path string) (*File, error) {
	info, err := s.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	return &File{ctx: ctx, store: s, info: *info}, nil
}

// Info returns the FileInfo captured when
// the file was opened.
func (f *File) Info() *FileInfo { return &f.info }

// Size returns the size of the file.
func (f *File) Size() int64 { return f.info.Size }

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Errorf("%s: negative offset %d", f.info.Path, off)
	}
	if off >= f.info.Size {
		return 0, io.EOF
	}
	want := p
	if rem := f.info.Size - off; int64(len(want)) > rem {
		want = want[:rem]
	}
	n, err := f.store.ReadAt(f.ctx, f.info.Path, want, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// Read implements io.Reader.
func (f *File) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Seek implements io.Seeker.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.pos
	case io.SeekEnd:
		offset += f.info.Size
	default:
		return 0, errors.Errorf("seek: invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, errors.Errorf("seek: negative position %d", offset)
	}
	f.pos = offset
	return offset, nil
}
