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

// Package retry wraps a storage.Store so that
// transient failures are retried with
// exponential backoff.
package retry

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/SnellerInc/colstream/storage"
)

// Policy controls how operations are retried.
type Policy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration
	// MaxElapsedTime bounds the total time spent
	// on one operation. Zero means no bound.
	MaxElapsedTime time.Duration
	// MaxRetries bounds the number of retries.
	// Zero means no bound.
	MaxRetries int
}

// DefaultPolicy is used by Wrap when
// a zero Policy is supplied.
var DefaultPolicy = Policy{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	MaxElapsedTime:  time.Minute,
}

func (p *Policy) backoff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMaxElapsedTime(p.MaxElapsedTime),
	)
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// Store is a storage.Store that retries
// the operations of an inner Store.
type Store struct {
	Inner  storage.Store
	Policy Policy
	Logger logrus.FieldLogger
}

var (
	_ storage.Store      = &Store{}
	_ storage.ChunkSizer = &Store{}
	_ storage.Aborter    = &Store{}
)

// Wrap returns s wrapped with retries
// according to p.
func Wrap(s storage.Store, p Policy, log logrus.FieldLogger) *Store {
	if p == (Policy{}) {
		p = DefaultPolicy
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Store{Inner: s, Policy: p, Logger: log}
}

// permanent reports whether retrying err is pointless.
func permanent(err error) bool {
	return storage.IsNotExist(err) ||
		errors.Is(err, storage.ErrOffset) ||
		errors.Is(err, storage.ErrCommitted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func do[T any](ctx context.Context, s *Store, op, path string, fn func() (T, error)) (T, error) {
	attempt := 0
	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, s.Policy.backoff(ctx), func(err error, next time.Duration) {
		s.Logger.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"path":    path,
			"attempt": attempt,
			"backoff": next,
		}).Warn("retrying storage operation")
	})
}

func (s *Store) do(ctx context.Context, op, path string, fn func() error) error {
	_, err := do(ctx, s, op, path, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// MinChunkSize implements storage.ChunkSizer.
func (s *Store) MinChunkSize() int { return storage.MinChunkSize(s.Inner) }

// Abort implements storage.Aborter.
func (s *Store) Abort(ctx context.Context, path string) error {
	return s.do(ctx, "abort", path, func() error {
		return storage.Abort(ctx, s.Inner, path)
	})
}

// Append implements storage.Store.Append.
func (s *Store) Append(ctx context.Context, path string, p []byte, offset int64) error {
	return s.do(ctx, "append", path, func() error {
		return s.Inner.Append(ctx, path, p, offset)
	})
}

// Commit implements storage.Store.Commit.
func (s *Store) Commit(ctx context.Context, path string, size int64) (*storage.FileInfo, error) {
	return do(ctx, s, "commit", path, func() (*storage.FileInfo, error) {
		return s.Inner.Commit(ctx, path, size)
	})
}

// Open implements storage.Store.Open.
// Only opening the file is retried.
func (s *Store) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	return do(ctx, s, "open", path, func() (io.ReadCloser, error) {
		return s.Inner.Open(ctx, path)
	})
}

// ReadAt implements storage.Store.ReadAt.
func (s *Store) ReadAt(ctx context.Context, path string, p []byte, off int64) (int, error) {
	var n int
	err := s.do(ctx, "read", path, func() error {
		var err error
		n, err = s.Inner.ReadAt(ctx, path, p, off)
		if err == io.EOF {
			return backoff.Permanent(err)
		}
		return err
	})
	return n, err
}

// Stat implements storage.Store.Stat.
func (s *Store) Stat(ctx context.Context, path string) (*storage.FileInfo, error) {
	return do(ctx, s, "stat", path, func() (*storage.FileInfo, error) {
		return s.Inner.Stat(ctx, path)
	})
}

// Rename implements storage.Store.Rename.
func (s *Store) Rename(ctx context.Context, from, to string) error {
	return s.do(ctx, "rename", from, func() error {
		return s.Inner.Rename(ctx, from, to)
	})
}

// Remove implements storage.Store.Remove.
func (s *Store) Remove(ctx context.Context, path string) error {
	return s.do(ctx, "remove", path, func() error {
		return s.Inner.Remove(ctx, path)
	})
}
