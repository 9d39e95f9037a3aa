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

// Package s3store implements storage.Store
// on S3-compatible object storage.
//
// Appends map onto the parts of a multipart
// upload, so every append but the last must be
// at least MinPartSize bytes; Commit completes
// the multipart upload.
package s3store

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/SnellerInc/colstream/storage"
)

// MinPartSize is the minimum size of
// every part of a multipart upload except
// the final one.
const MinPartSize = 5 * 1024 * 1024

// Config describes how to reach a bucket.
type Config struct {
	Endpoint string `json:"endpoint"`
	Bucket   string `json:"bucket"`
	// Prefix is prepended to every path.
	Prefix string `json:"prefix,omitempty"`
	Region string `json:"region,omitempty"`
	UseSSL bool   `json:"useSSL,omitempty"`
	// AccessKey and SecretKey are optional;
	// if they are empty, credentials are read
	// from the standard AWS environment variables.
	AccessKey string `json:"accessKey,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
}

type upload struct {
	id    string
	parts []minio.CompletePart
	size  int64
}

// Store is a storage.Store backed by a bucket.
type Store struct {
	core   *minio.Core
	bucket string
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

// New connects to the bucket described by c.
func New(c Config, log logrus.FieldLogger) (*Store, error) {
	if c.Bucket == "" {
		return nil, errors.New("s3store: no bucket")
	}
	region := c.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	var creds *credentials.Credentials
	switch {
	case c.AccessKey != "":
		creds = credentials.NewStaticV4(c.AccessKey, c.SecretKey, "")
	case os.Getenv("AWS_WEB_IDENTITY_TOKEN_FILE") != "" && os.Getenv("AWS_ROLE_ARN") != "":
		creds = credentials.NewIAM("")
	default:
		creds = credentials.NewEnvAWS()
	}
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	core, err := minio.NewCore(endpoint, &minio.Options{
		Creds:  creds,
		Region: region,
		Secure: c.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create client")
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Store{
		core:    core,
		bucket:  c.Bucket,
		prefix:  c.Prefix,
		log:     log,
		uploads: make(map[string]*upload),
	}, nil
}

func (s *Store) object(p string) string {
	if s.prefix == "" {
		return p
	}
	return path.Join(s.prefix, p)
}

func notFound(err error, op, p string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return storage.NotExist(op, p)
	}
	return errors.Wrapf(err, "s3store: %s %s", op, p)
}

// MinChunkSize implements storage.ChunkSizer.
func (s *Store) MinChunkSize() int { return MinPartSize }

// Append implements storage.Store.Append
// by uploading p as the next part.
func (s *Store) Append(ctx context.Context, p string, buf []byte, offset int64) error {
	obj := s.object(p)
	s.lock.Lock()
	up := s.uploads[p]
	s.lock.Unlock()
	if offset == 0 {
		if up != nil {
			s.abort(ctx, p, up)
		}
		id, err := s.core.NewMultipartUpload(ctx, s.bucket, obj, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		if err != nil {
			return errors.Wrapf(err, "s3store: starting upload of %s", p)
		}
		up = &upload{id: id}
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
	num := len(up.parts) + 1
	part, err := s.core.PutObjectPart(ctx, s.bucket, obj, up.id, num,
		bytes.NewReader(buf), int64(len(buf)), minio.PutObjectPartOptions{})
	if err != nil {
		return errors.Wrapf(err, "s3store: uploading part %d of %s", num, p)
	}
	up.parts = append(up.parts, minio.CompletePart{PartNumber: num, ETag: part.ETag})
	up.size += int64(len(buf))
	return nil
}

// Commit implements storage.Store.Commit
// by completing the multipart upload.
func (s *Store) Commit(ctx context.Context, p string, size int64) (*storage.FileInfo, error) {
	obj := s.object(p)
	s.lock.Lock()
	up := s.uploads[p]
	s.lock.Unlock()
	if up == nil {
		if size != 0 {
			return nil, errors.Wrap(storage.ErrCommitted, p)
		}
		// zero-length files never start a multipart upload
		info, err := s.core.Client.PutObject(ctx, s.bucket, obj, bytes.NewReader(nil), 0, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		if err != nil {
			return nil, errors.Wrapf(err, "s3store: put %s", p)
		}
		return &storage.FileInfo{Path: p, ETag: info.ETag, ModTime: info.LastModified}, nil
	}
	if up.size != size {
		return nil, storage.OffsetError(p, up.size, size)
	}
	info, err := s.core.CompleteMultipartUpload(ctx, s.bucket, obj, up.id, up.parts, minio.PutObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "s3store: completing upload of %s", p)
	}
	s.lock.Lock()
	delete(s.uploads, p)
	s.lock.Unlock()
	s.log.WithFields(logrus.Fields{"path": p, "size": size, "parts": len(up.parts)}).Debug("completed upload")
	return &storage.FileInfo{Path: p, Size: size, ETag: info.ETag, ModTime: info.LastModified}, nil
}

func (s *Store) abort(ctx context.Context, p string, up *upload) error {
	s.lock.Lock()
	if s.uploads[p] == up {
		delete(s.uploads, p)
	}
	s.lock.Unlock()
	err := s.core.AbortMultipartUpload(ctx, s.bucket, s.object(p), up.id)
	if err != nil {
		s.log.WithError(err).WithField("path", p).Warn("aborting upload")
		return errors.Wrapf(err, "s3store: aborting upload of %s", p)
	}
	return nil
}

// Abort implements storage.Aborter.
func (s *Store) Abort(ctx context.Context, p string) error {
	s.lock.Lock()
	up := s.uploads[p]
	s.lock.Unlock()
	if up == nil {
		return nil
	}
	return s.abort(ctx, p, up)
}

// Open implements storage.Store.Open.
func (s *Store) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	obj, err := s.core.Client.GetObject(ctx, s.bucket, s.object(p), minio.GetObjectOptions{})
	if err != nil {
		return nil, notFound(err, "open", p)
	}
	// GetObject is lazy; surface a missing
	// object here rather than on first Read
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, notFound(err, "open", p)
	}
	return obj, nil
}

// ReadAt implements storage.Store.ReadAt
// with a ranged GET.
func (s *Store) ReadAt(ctx context.Context, p string, buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, off+int64(len(buf))-1); err != nil {
		return 0, err
	}
	body, _, _, err := s.core.GetObject(ctx, s.bucket, s.object(p), opts)
	if err != nil {
		return 0, notFound(err, "read", p)
	}
	defer body.Close()
	n, err := io.ReadFull(body, buf)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// Stat implements storage.Store.Stat.
func (s *Store) Stat(ctx context.Context, p string) (*storage.FileInfo, error) {
	info, err := s.core.Client.StatObject(ctx, s.bucket, s.object(p), minio.StatObjectOptions{})
	if err != nil {
		return nil, notFound(err, "stat", p)
	}
	return &storage.FileInfo{
		Path:    p,
		Size:    info.Size,
		ETag:    info.ETag,
		ModTime: info.LastModified,
	}, nil
}

// Rename implements storage.Store.Rename
// with a server-side copy followed by a delete.
func (s *Store) Rename(ctx context.Context, from, to string) error {
	_, err := s.core.Client.ComposeObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: s.object(to)},
		minio.CopySrcOptions{Bucket: s.bucket, Object: s.object(from)})
	if err != nil {
		return notFound(err, "rename", from)
	}
	return s.Remove(ctx, from)
}

// Remove implements storage.Store.Remove.
func (s *Store) Remove(ctx context.Context, p string) error {
	err := s.core.Client.RemoveObject(ctx, s.bucket, s.object(p), minio.RemoveObjectOptions{})
	if err != nil {
		return notFound(err, "remove", p)
	}
	return nil
}
