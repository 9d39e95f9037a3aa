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

// Package gcsstore implements storage.Store
// on Google Cloud Storage.
//
// Each pending upload is a resumable upload
// held open by a gcs.Writer; the object
// becomes visible when the writer is closed
// on Commit.
package gcsstore

import (
	"context"
	"io"
	"os"
	"path"
	"sync"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/SnellerInc/colstream/storage"
)

// MinChunkSize is the granularity of
// resumable upload requests.
const MinChunkSize = 256 * 1024

// Config describes how to reach a bucket.
type Config struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix,omitempty"`
	// Endpoint overrides the service endpoint;
	// when it is set no credentials are used,
	// which is what emulators expect.
	Endpoint string `json:"endpoint,omitempty"`
	// CredentialsFile, if set, is a service
	// account key file. Otherwise application
	// default credentials are used.
	CredentialsFile string `json:"credentialsFile,omitempty"`
}

type upload struct {
	w      *gcs.Writer
	cancel context.CancelFunc
	size   int64
}

// Store is a storage.Store backed by a bucket.
type Store struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	prefix string
	log    logrus.FieldLogger

	lock    sync.Mutex
	uploads map[string]*upload
}

var (
	_ storage.Store      = &Store{}
	_ storage.ChunkSizer = &Store{}
	_ storage.Aborter    = &Store{}
)

// New creates a client for the bucket described by c.
func New(ctx context.Context, c Config, log logrus.FieldLogger) (*Store, error) {
	if c.Bucket == "" {
		return nil, errors.New("gcsstore: no bucket")
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	var opts []option.ClientOption
	switch {
	case c.Endpoint != "":
		opts = append(opts, option.WithEndpoint(c.Endpoint), option.WithoutAuthentication())
	case c.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	case os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "":
		log.Debug("gcsstore: GOOGLE_APPLICATION_CREDENTIALS not set; using default credentials")
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create client")
	}
	return &Store{
		client:  client,
		bucket:  client.Bucket(c.Bucket),
		prefix:  c.Prefix,
		log:     log,
		uploads: make(map[string]*upload),
	}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) object(p string) *gcs.ObjectHandle {
	if s.prefix != "" {
		p = path.Join(s.prefix, p)
	}
	return s.bucket.Object(p)
}

func notFound(err error, op, p string) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return storage.NotExist(op, p)
	}
	return errors.Wrapf(err, "gcsstore: %s %s", op, p)
}

// MinChunkSize implements storage.ChunkSizer.
func (s *Store) MinChunkSize() int { return MinChunkSize }

func (s *Store) pending(p string) *upload {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.uploads[p]
}

func (s *Store) drop(p string, up *upload) {
	s.lock.Lock()
	if s.uploads[p] == up {
		delete(s.uploads, p)
	}
	s.lock.Unlock()
	up.cancel()
}

// Append implements storage.Store.Append.
func (s *Store) Append(ctx context.Context, p string, buf []byte, offset int64) error {
	up := s.pending(p)
	if offset == 0 {
		if up != nil {
			s.drop(p, up)
		}
		// the writer outlives this call, so it
		// must not inherit the caller's cancellation
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		w := s.object(p).NewWriter(wctx)
		w.ContentType = "application/octet-stream"
		w.ChunkSize = 4 * MinChunkSize
		up = &upload{w: w, cancel: cancel}
		s.lock.Lock()
		s.uploads[p] = up
		s.lock.Unlock()
	}
	if up == nil {
		return storage.OffsetError(p, 0, offset)
	}
	if up.size != offset {
		return storage.OffsetError(p, up.size, offset)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := up.w.Write(buf)
	up.size += int64(n)
	if err != nil {
		return errors.Wrapf(err, "gcsstore: writing %s", p)
	}
	return nil
}

// Commit implements storage.Store.Commit.
func (s *Store) Commit(ctx context.Context, p string, size int64) (*storage.FileInfo, error) {
	up := s.pending(p)
	if up == nil {
		if size != 0 {
			return nil, errors.Wrap(storage.ErrCommitted, p)
		}
		w := s.object(p).NewWriter(ctx)
		up = &upload{w: w, cancel: func() {}}
	}
	if up.size != size {
		return nil, storage.OffsetError(p, up.size, size)
	}
	defer s.drop(p, up)
	if err := up.w.Close(); err != nil {
		return nil, errors.Wrapf(err, "gcsstore: committing %s", p)
	}
	attrs := up.w.Attrs()
	s.log.WithFields(logrus.Fields{"path": p, "size": size}).Debug("completed upload")
	return &storage.FileInfo{
		Path:    p,
		Size:    attrs.Size,
		ETag:    attrs.Etag,
		ModTime: attrs.Updated,
	}, nil
}

// Abort implements storage.Aborter by
// canceling the resumable upload.
func (s *Store) Abort(ctx context.Context, p string) error {
	if up := s.pending(p); up != nil {
		s.drop(p, up)
	}
	return nil
}

// Open implements storage.Store.Open.
func (s *Store) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	r, err := s.object(p).NewReader(ctx)
	if err != nil {
		return nil, notFound(err, "open", p)
	}
	return r, nil
}

// ReadAt implements storage.Store.ReadAt.
func (s *Store) ReadAt(ctx context.Context, p string, buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	r, err := s.object(p).NewRangeReader(ctx, off, int64(len(buf)))
	if err != nil {
		return 0, notFound(err, "read", p)
	}
	defer r.Close()
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// Stat implements storage.Store.Stat.
func (s *Store) Stat(ctx context.Context, p string) (*storage.FileInfo, error) {
	attrs, err := s.object(p).Attrs(ctx)
	if err != nil {
		return nil, notFound(err, "stat", p)
	}
	return &storage.FileInfo{
		Path:    p,
		Size:    attrs.Size,
		ETag:    attrs.Etag,
		ModTime: attrs.Updated,
	}, nil
}

// Rename implements storage.Store.Rename.
func (s *Store) Rename(ctx context.Context, from, to string) error {
	src := s.object(from)
	if _, err := s.object(to).CopierFrom(src).Run(ctx); err != nil {
		return notFound(err, "rename", from)
	}
	return s.Remove(ctx, from)
}

// Remove implements storage.Store.Remove.
func (s *Store) Remove(ctx context.Context, p string) error {
	if err := s.object(p).Delete(ctx); err != nil {
		return notFound(err, "remove", p)
	}
	return nil
}
