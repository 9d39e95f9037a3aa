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

// Package azstore implements storage.Store
// on Azure Blob Storage append blobs.
//
// Appends go to a staging blob next to the
// destination, one AppendBlock call per Append
// guarded by the expected append position.
// Commit checks the final length and copies the
// staging blob into place, so an existing file
// is only replaced once the new one is complete.
package azstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/appendblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/SnellerInc/colstream/storage"
)

// MaxBlockSize is the largest single
// AppendBlock request the service accepts.
const MaxBlockSize = 100 * 1024 * 1024

// Config describes how to reach a container.
type Config struct {
	Container string `json:"container"`
	Prefix    string `json:"prefix,omitempty"`
	// ConnectionString, if empty, is read
	// from AZURE_STORAGE_CONNECTION_STRING.
	ConnectionString string `json:"connectionString,omitempty"`
}

// Store is a storage.Store backed by a container.
type Store struct {
	container *container.Client
	prefix    string
	log       logrus.FieldLogger
	// PollInterval is how often Commit and Rename check
	// the status of a server-side copy.
	PollInterval time.Duration

	lock sync.Mutex
	size map[string]int64
}

var (
	_ storage.Store   = &Store{}
	_ storage.Aborter = &Store{}
)

// New connects to the container described by c.
func New(c Config, log logrus.FieldLogger) (*Store, error) {
	if c.Container == "" {
		return nil, errors.New("azstore: no container")
	}
	conn := c.ConnectionString
	if conn == "" {
		conn = os.Getenv("AZURE_STORAGE_CONNECTION_STRING")
	}
	if conn == "" {
		return nil, errors.New("azstore: no connection string")
	}
	client, err := azblob.NewClientFromConnectionString(conn, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create client")
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Store{
		container:    client.ServiceClient().NewContainerClient(c.Container),
		prefix:       c.Prefix,
		log:          log,
		PollInterval: time.Second,
		size:         make(map[string]int64),
	}, nil
}

func (s *Store) name(p string) string {
	if s.prefix == "" {
		return p
	}
	return path.Join(s.prefix, p)
}

func (s *Store) appendBlob(p string) *appendblob.Client {
	return s.container.NewAppendBlobClient(s.name(p))
}

// staging returns the path of the
// blob that receives appends for p.
func staging(p string) string { return p + ".upload" }

func (s *Store) blob(p string) *blob.Client {
	return s.container.NewBlobClient(s.name(p))
}

func notFound(err error, op, p string) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return storage.NotExist(op, p)
	}
	return errors.Wrapf(err, "azstore: %s %s", op, p)
}

// Append implements storage.Store.Append.
//
// An Append at offset 0 recreates the staging
// blob for p; the blob at p is not touched
// until Commit.
func (s *Store) Append(ctx context.Context, p string, buf []byte, offset int64) error {
	if len(buf) > MaxBlockSize {
		for len(buf) > 0 {
			n := min(len(buf), MaxBlockSize)
			if err := s.Append(ctx, p, buf[:n], offset); err != nil {
				return err
			}
			buf = buf[n:]
			offset += int64(n)
		}
		return nil
	}
	ab := s.appendBlob(staging(p))
	if offset == 0 {
		_, err := ab.Create(ctx, &appendblob.CreateOptions{
			HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/octet-stream")},
		})
		if err != nil {
			return errors.Wrapf(err, "azstore: creating %s", p)
		}
		s.setSize(p, 0)
	} else if have, ok := s.pending(p); !ok || have != offset {
		return storage.OffsetError(p, have, offset)
	}
	if len(buf) == 0 {
		return nil
	}
	_, err := ab.AppendBlock(ctx, streaming.NopCloser(bytes.NewReader(buf)), &appendblob.AppendBlockOptions{
		AppendPositionAccessConditions: &appendblob.AppendPositionAccessConditions{
			AppendPosition: to.Ptr(offset),
		},
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.AppendPositionConditionNotMet) {
			return storage.OffsetError(p, -1, offset)
		}
		return errors.Wrapf(err, "azstore: appending to %s", p)
	}
	s.setSize(p, offset+int64(len(buf)))
	return nil
}

func (s *Store) setSize(p string, n int64) {
	s.lock.Lock()
	s.size[p] = n
	s.lock.Unlock()
}

func (s *Store) pending(p string) (int64, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	n, ok := s.size[p]
	return n, ok
}

func (s *Store) forget(p string) {
	s.lock.Lock()
	delete(s.size, p)
	s.lock.Unlock()
}

// Commit implements storage.Store.Commit.
func (s *Store) Commit(ctx context.Context, p string, size int64) (*storage.FileInfo, error) {
	if _, ok := s.pending(p); !ok {
		if size != 0 {
			return nil, errors.Wrap(storage.ErrCommitted, p)
		}
		// zero-length files never stage
		if _, err := s.appendBlob(p).Create(ctx, &appendblob.CreateOptions{
			HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/octet-stream")},
		}); err != nil {
			return nil, errors.Wrapf(err, "azstore: creating %s", p)
		}
		return s.Stat(ctx, p)
	}
	tmp := staging(p)
	props, err := s.blob(tmp).GetProperties(ctx, nil)
	if err != nil {
		return nil, notFound(err, "commit", p)
	}
	if got := length(props.ContentLength); got != size {
		return nil, storage.OffsetError(p, got, size)
	}
	if err := s.copyBlob(ctx, tmp, p); err != nil {
		return nil, err
	}
	s.forget(p)
	if _, err := s.blob(tmp).Delete(ctx, nil); err != nil {
		s.log.WithError(err).WithField("path", tmp).Warn("removing staging blob")
	}
	return s.Stat(ctx, p)
}

func length(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}

func (s *Store) info(p string, size int64, etag *azcore.ETag, mod *time.Time) *storage.FileInfo {
	fi := &storage.FileInfo{Path: p, Size: size}
	if etag != nil {
		fi.ETag = string(*etag)
	}
	if mod != nil {
		fi.ModTime = *mod
	}
	return fi
}

// Abort implements storage.Aborter by
// deleting the staging blob. The blob
// at p, if any, is left as it was.
func (s *Store) Abort(ctx context.Context, p string) error {
	if _, ok := s.pending(p); !ok {
		return nil
	}
	s.forget(p)
	_, err := s.blob(staging(p)).Delete(ctx, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return errors.Wrapf(err, "azstore: aborting %s", p)
	}
	return nil
}

// Open implements storage.Store.Open.
func (s *Store) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	resp, err := s.blob(p).DownloadStream(ctx, nil)
	if err != nil {
		return nil, notFound(err, "open", p)
	}
	return resp.Body, nil
}

// ReadAt implements storage.Store.ReadAt.
func (s *Store) ReadAt(ctx context.Context, p string, buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	resp, err := s.blob(p).DownloadStream(ctx, &blob.DownloadStreamOptions{
		Range: blob.HTTPRange{Offset: off, Count: int64(len(buf))},
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.InvalidRange) {
			return 0, io.EOF
		}
		return 0, notFound(err, "read", p)
	}
	defer resp.Body.Close()
	n, err := io.ReadFull(resp.Body, buf)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// Stat implements storage.Store.Stat.
func (s *Store) Stat(ctx context.Context, p string) (*storage.FileInfo, error) {
	props, err := s.blob(p).GetProperties(ctx, nil)
	if err != nil {
		return nil, notFound(err, "stat", p)
	}
	return s.info(p, length(props.ContentLength), props.ETag, props.LastModified), nil
}

// Rename implements storage.Store.Rename
// with a server-side copy followed by a delete.
func (s *Store) Rename(ctx context.Context, from, into string) error {
	if err := s.copyBlob(ctx, from, into); err != nil {
		return err
	}
	return s.Remove(ctx, from)
}

// copyBlob copies from into into on the server
// and waits for the copy to finish.
func (s *Store) copyBlob(ctx context.Context, from, into string) error {
	src := s.blob(from)
	dst := s.blob(into)
	resp, err := dst.StartCopyFromURL(ctx, src.URL(), nil)
	if err != nil {
		return notFound(err, "copy", from)
	}
	status := resp.CopyStatus
	for status != nil && *status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.PollInterval):
		}
		props, err := dst.GetProperties(ctx, nil)
		if err != nil {
			return errors.Wrapf(err, "azstore: polling copy to %s", into)
		}
		status = props.CopyStatus
	}
	if status != nil && *status != blob.CopyStatusTypeSuccess {
		return errors.Errorf("azstore: copy %s to %s: %s", from, into, *status)
	}
	return nil
}

// Remove implements storage.Store.Remove.
func (s *Store) Remove(ctx context.Context, p string) error {
	if _, err := s.blob(p).Delete(ctx, nil); err != nil {
		return notFound(err, "remove", p)
	}
	return nil
}
