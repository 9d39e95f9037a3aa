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

// Package upload implements chunked,
// append-only upload sessions on top of
// a storage.Store.
//
// A Session buffers writes and issues one
// remote append every time the buffer reaches
// the chunk size. Closing the session appends
// whatever remains and commits the file at
// its final length.
package upload

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/SnellerInc/colstream/storage"
)

// DefaultChunkSize is the chunk size used
// when Options.ChunkSize is zero.
const DefaultChunkSize = 4 * 1024 * 1024

// ErrClosed is returned from Write
// after a Session has been closed.
var ErrClosed = errors.New("upload: session closed")

// Options configures a Session.
type Options struct {
	// ChunkSize is the size of every remote
	// append except the last one.
	// If it is smaller than the minimum chunk
	// size of the store, the store's minimum is used.
	ChunkSize int
	// Logger, if non-nil, receives debug
	// output for each remote call.
	Logger logrus.FieldLogger
}

type state uint8

const (
	open state = iota
	closed
)

// Session is a chunked upload to one path.
//
// A Session is not safe for concurrent use.
// Because io.Writer carries no context, the
// context passed to New is used for every
// remote call made by the Session.
type Session struct {
	ctx    context.Context
	store  storage.Store
	path   string
	chunk  int
	log    logrus.FieldLogger
	buf    []byte
	offset int64
	state  state
	err    error // sticky; set by the first failed remote call
	info   *storage.FileInfo
}

var _ io.WriteCloser = &Session{}

// New creates a Session that uploads to path.
// No remote calls are made until the first
// chunk is full or the Session is closed.
func New(ctx context.Context, store storage.Store, path string, opts Options) (*Session, error) {
	if store == nil {
		return nil, errors.New("upload: nil store")
	}
	if path == "" {
		return nil, errors.New("upload: empty path")
	}
	if opts.ChunkSize < 0 {
		return nil, errors.Errorf("upload: invalid chunk size %d", opts.ChunkSize)
	}
	chunk := opts.ChunkSize
	if chunk == 0 {
		chunk = DefaultChunkSize
	}
	if floor := storage.MinChunkSize(store); chunk < floor {
		chunk = floor
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Session{
		ctx:   ctx,
		store: store,
		path:  path,
		chunk: chunk,
		log:   log.WithField("path", path),
	}, nil
}

// Path returns the destination path.
func (s *Session) Path() string { return s.path }

// ChunkSize returns the effective chunk size.
func (s *Session) ChunkSize() int { return s.chunk }

// Offset returns the number of bytes
// that have been successfully appended.
// Buffered bytes are not included.
func (s *Session) Offset() int64 { return s.offset }

// Buffered returns the number of bytes
// waiting for the next append.
func (s *Session) Buffered() int { return len(s.buf) }

// Info returns the result of the commit,
// or nil if the session has not been
// successfully closed.
func (s *Session) Info() *storage.FileInfo { return s.info }

// Closed reports whether Close or Abort
// has been called.
func (s *Session) Closed() bool { return s.state == closed }

func (s *Session) append(p []byte) error {
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return err
	}
	err := s.store.Append(s.ctx, s.path, p, s.offset)
	if err != nil {
		s.err = err
		s.log.WithError(err).WithField("offset", s.offset).Debug("append failed")
		return err
	}
	s.log.WithFields(logrus.Fields{
		"offset": s.offset,
		"size":   len(p),
	}).Debug("append")
	s.offset += int64(len(p))
	return nil
}

// Write implements io.Writer.
//
// Every time the internal buffer reaches the
// chunk size, exactly one chunk is appended
// to the store. If an append fails, the error
// is returned unchanged, the offset is left at
// the last confirmed append, and the Session
// refuses further writes.
func (s *Session) Write(p []byte) (int, error) {
	if s.state == closed {
		return 0, ErrClosed
	}
	if s.err != nil {
		return 0, s.err
	}
	n := 0
	for len(p) > 0 {
		if len(s.buf) == 0 && len(p) >= s.chunk {
			// full chunk straight from p
			if err := s.append(p[:s.chunk]); err != nil {
				return n, err
			}
			n += s.chunk
			p = p[s.chunk:]
			continue
		}
		if s.buf == nil {
			s.buf = make([]byte, 0, s.chunk)
		}
		take := s.chunk - len(s.buf)
		if take > len(p) {
			take = len(p)
		}
		s.buf = append(s.buf, p[:take]...)
		p = p[take:]
		if len(s.buf) == s.chunk {
			if err := s.append(s.buf); err != nil {
				return n, err
			}
			s.buf = s.buf[:0]
		}
		n += take
	}
	return n, nil
}

// Close appends any buffered bytes and then
// commits the file at its final length.
// Only the first call to Close has any effect;
// subsequent calls return the same error
// without making any remote calls.
//
// If an earlier append failed, Close does not
// commit and returns the append error. Whenever
// Close fails, the uncommitted upload is released
// as if by Abort.
func (s *Session) Close() error {
	if s.state == closed {
		return s.err
	}
	s.state = closed
	if s.err != nil {
		s.release()
		return s.err
	}
	if len(s.buf) > 0 {
		if err := s.append(s.buf); err != nil {
			s.release()
			return err
		}
		s.buf = s.buf[:0]
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		s.release()
		return err
	}
	info, err := s.store.Commit(s.ctx, s.path, s.offset)
	if err != nil {
		s.err = err
		s.log.WithError(err).WithField("size", s.offset).Warn("commit failed")
		s.release()
		return err
	}
	s.info = info
	s.buf = nil
	s.log.WithField("size", s.offset).Debug("commit")
	return nil
}

// release drops any appended but uncommitted
// data held by the store for s.path.
func (s *Session) release() error {
	s.buf = nil
	// use a fresh context so that cleanup
	// still happens after cancellation
	ctx := context.WithoutCancel(s.ctx)
	err := storage.Abort(ctx, s.store, s.path)
	if err != nil {
		s.log.WithError(err).Warn("abort")
	}
	return err
}

// Abort abandons the upload without committing.
// Buffered bytes are discarded and, if the store
// supports it, appended but uncommitted data is
// released. Abort after Close has no effect;
// a failed Close has already released the upload.
func (s *Session) Abort() error {
	if s.state == closed {
		return nil
	}
	s.state = closed
	if s.err == nil {
		s.err = ErrClosed
	}
	return s.release()
}
