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

package config

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/SnellerInc/colstream/compact"
	"github.com/SnellerInc/colstream/rowgroup"
	"github.com/SnellerInc/colstream/schema"
	"github.com/SnellerInc/colstream/storage"
	"github.com/SnellerInc/colstream/storage/azstore"
	"github.com/SnellerInc/colstream/storage/dirfs"
	"github.com/SnellerInc/colstream/storage/gcsstore"
	"github.com/SnellerInc/colstream/storage/memfs"
	"github.com/SnellerInc/colstream/storage/retry"
	"github.com/SnellerInc/colstream/storage/s3store"
	"github.com/SnellerInc/colstream/upload"
)

// Logger returns a logger configured
// according to c.Log.
func (c *Config) Logger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(lvl)
	}
	if c.Log.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

// OpenStore constructs the storage backend
// selected by c.Storage, wrapped with retries
// if c.Retry.Enabled is set.
func (c *Config) OpenStore(ctx context.Context, log logrus.FieldLogger) (storage.Store, error) {
	st := &c.Storage
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	log = log.WithField("storage", st.Kind)
	var (
		s   storage.Store
		err error
	)
	switch st.Kind {
	case "dir":
		if err := os.MkdirAll(st.Root, 0750); err != nil {
			return nil, errors.Wrap(err, "create storage root")
		}
		s = dirfs.New(st.Root, log)
	case "mem":
		s = memfs.New()
	case "s3":
		s, err = s3store.New(s3store.Config{
			Endpoint:  st.Endpoint,
			Bucket:    st.Bucket,
			Prefix:    st.Prefix,
			Region:    st.Region,
			UseSSL:    st.UseSSL,
			AccessKey: st.AccessKey,
			SecretKey: st.SecretKey,
		}, log)
	case "gcs":
		s, err = gcsstore.New(ctx, gcsstore.Config{
			Bucket:          st.Bucket,
			Prefix:          st.Prefix,
			Endpoint:        st.Endpoint,
			CredentialsFile: st.CredentialsFile,
		}, log)
	case "azure":
		s, err = azstore.New(azstore.Config{
			Container:        st.Container,
			Prefix:           st.Prefix,
			ConnectionString: st.ConnectionString,
		}, log)
	default:
		return nil, configErr("storage kind %q", st.Kind)
	}
	if err != nil {
		return nil, err
	}
	if c.Retry.Enabled {
		s = retry.Wrap(s, retry.Policy{
			InitialInterval: time.Duration(c.Retry.InitialInterval),
			MaxInterval:     time.Duration(c.Retry.MaxInterval),
			MaxElapsedTime:  time.Duration(c.Retry.MaxElapsedTime),
			MaxRetries:      c.Retry.MaxRetries,
		}, log)
	}
	return s, nil
}

// Engine returns a row-group engine
// writing to s with the settings in c.
func (c *Config) Engine(s storage.Store, log logrus.FieldLogger) *rowgroup.Engine {
	return &rowgroup.Engine{
		Store:              s,
		RowGroupSize:       c.RowGroup.Size,
		Compression:        c.RowGroup.Compression,
		ChunkSize:          c.Upload.ChunkSize,
		ValidateAfterWrite: c.RowGroup.ValidateAfterWrite,
		Logger:             log,
	}
}

// Compactor returns a compactor that
// writes through e.
func (c *Config) Compactor(e *rowgroup.Engine) *compact.Compactor {
	return &compact.Compactor{
		Engine:      e,
		MaxLineSize: c.Compact.MaxLineSize,
		Logger:      e.Logger,
	}
}

// UploadOptions returns the options for
// an upload session.
func (c *Config) UploadOptions(log logrus.FieldLogger) upload.Options {
	return upload.Options{ChunkSize: c.Upload.ChunkSize, Logger: log}
}

// SchemaDef is the file form of a schema.
type SchemaDef struct {
	Fields []schema.Field `json:"fields"`
}

// ParseSchema decodes a YAML or JSON
// schema definition.
func ParseSchema(buf []byte) (*schema.Schema, error) {
	var def SchemaDef
	if err := yaml.UnmarshalStrict(buf, &def); err != nil {
		return nil, errors.Wrap(err, "parsing schema")
	}
	if len(def.Fields) == 0 {
		return nil, errors.New("parsing schema: no fields")
	}
	return schema.New(def.Fields...)
}

// LoadSchema reads a schema definition from path.
func LoadSchema(path string) (*schema.Schema, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := ParseSchema(buf)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return s, nil
}
