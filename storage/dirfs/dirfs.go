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

// Package dirfs implements storage.Store
// on top of a local directory.
//
// Appends are staged in a sibling file with
// an ".upload" suffix; Commit syncs the staged
// file and renames it into place, so partially
// uploaded files are never visible at their
// final path.
package dirfs

import (
	"context"
	"encoding/base32"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/SnellerInc/colstream/storage"
)

// StageSuffix is appended to the path of
// files that have been appended to but not
// yet committed.
const StageSuffix = ".upload"

// Dir is a storage.Store rooted at a directory.
type Dir struct {
	Root string
	Log  logrus.FieldLogger
}

var (
	_ storage.Store   = &Dir{}
	_ storage.Aborter = &Dir{}
)

// New returns a Dir rooted at root.
func New(root string, log logrus.FieldLogger) *Dir {
	return &Dir{Root: root, Log: log}
}

func (d *Dir) logger() logrus.FieldLogger {
	if d.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		return l
	}
	return d.Log
}

func (d *Dir) full(op, p string) (string, error) {
	if !fs.ValidPath(p) || p == "." {
		return "", &fs.PathError{Op: op, Path: p, Err: fs.ErrInvalid}
	}
	return filepath.Join(d.Root, filepath.FromSlash(p)), nil
}

func notExist(op, p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return storage.NotExist(op, p)
	}
	return err
}

// Append implements storage.Store.Append.
func (d *Dir) Append(ctx context.Context, p string, buf []byte, offset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := d.full("append", p)
	if err != nil {
		return err
	}
	stage := full + StageSuffix
	var f *os.File
	if offset == 0 {
		if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
			return err
		}
		f, err = os.OpenFile(stage, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	} else {
		f, err = os.OpenFile(stage, os.O_WRONLY, 0)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.OffsetError(p, 0, offset)
		}
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() != offset {
		return storage.OffsetError(p, info.Size(), offset)
	}
	_, err = f.WriteAt(buf, offset)
	if err != nil {
		return errors.Wrapf(err, "dirfs: append %s", p)
	}
	d.logger().WithFields(logrus.Fields{
		"path":   p,
		"offset": offset,
		"size":   len(buf),
	}).Debug("append")
	return nil
}

// Commit implements storage.Store.Commit.
func (d *Dir) Commit(ctx context.Context, p string, size int64) (*storage.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := d.full("commit", p)
	if err != nil {
		return nil, err
	}
	stage := full + StageSuffix
	if size == 0 {
		// an empty file never sees an append
		if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(stage, os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			return nil, err
		}
		f.Close()
	}
	f, err := os.OpenFile(stage, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(storage.ErrCommitted, p)
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() != size {
		f.Close()
		return nil, storage.OffsetError(p, info.Size(), size)
	}
	if err := datasync(f); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "dirfs: sync %s", p)
	}
	etag, err := hashFile(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	if err := os.Rename(stage, full); err != nil {
		return nil, err
	}
	d.logger().WithFields(logrus.Fields{"path": p, "size": size}).Debug("commit")
	return &storage.FileInfo{
		Path:    p,
		Size:    size,
		ETag:    etag,
		ModTime: info.ModTime(),
	}, nil
}

func hashFile(f *os.File) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(h, io.NewSectionReader(f, 0, 1<<62))
	if err != nil {
		return "", err
	}
	return "b2sum:" + base32.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// Abort implements storage.Aborter by
// removing the staged file for p.
func (d *Dir) Abort(ctx context.Context, p string) error {
	full, err := d.full("abort", p)
	if err != nil {
		return err
	}
	err = os.Remove(full + StageSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Open implements storage.Store.Open.
func (d *Dir) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	full, err := d.full("open", p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, notExist("open", p, err)
	}
	return f, nil
}

// ReadAt implements storage.Store.ReadAt.
func (d *Dir) ReadAt(ctx context.Context, p string, buf []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	full, err := d.full("read", p)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(full)
	if err != nil {
		return 0, notExist("read", p, err)
	}
	defer f.Close()
	return f.ReadAt(buf, off)
}

// Stat implements storage.Store.Stat.
//
// The returned FileInfo does not carry an ETag;
// hashing is only performed on Commit.
func (d *Dir) Stat(ctx context.Context, p string) (*storage.FileInfo, error) {
	full, err := d.full("stat", p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, notExist("stat", p, err)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.Errorf("dirfs: %s is not a regular file", p)
	}
	return &storage.FileInfo{
		Path:    p,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// Rename implements storage.Store.Rename.
func (d *Dir) Rename(ctx context.Context, from, to string) error {
	src, err := d.full("rename", from)
	if err != nil {
		return err
	}
	dst, err := d.full("rename", to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}
	return notExist("rename", from, os.Rename(src, dst))
}

// Remove implements storage.Store.Remove.
func (d *Dir) Remove(ctx context.Context, p string) error {
	full, err := d.full("remove", p)
	if err != nil {
		return err
	}
	return notExist("remove", p, os.Remove(full))
}
