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

// Package rowgroup streams typed records into
// and out of Parquet files held in a storage.Store,
// one bounded row group at a time.
//
// Records are supplied and returned as lazy
// iter.Seq2 sequences. A writer never holds more
// than one row group of records, and a reader
// decodes one row group at a time, so memory use
// does not depend on the size of the file.
//
// Record types are either structs, whose exported
// fields are mapped to columns (see schema.Of),
// or map[string]any, which requires Engine.RecordSchema
// to be set for writing.
package rowgroup

import (
	"io"
	"reflect"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/SnellerInc/colstream/schema"
	"github.com/SnellerInc/colstream/storage"
)

const (
	// DefaultRowGroupSize is the number of records
	// per row group when Engine.RowGroupSize is zero.
	DefaultRowGroupSize = 10000
	// DefaultCompression is the page codec used
	// when Engine.Compression is empty.
	DefaultCompression = "snappy"
)

var (
	// ErrInvalidArgument is returned for missing
	// or malformed arguments before any I/O is done.
	ErrInvalidArgument = errors.New("rowgroup: invalid argument")
	// ErrValidationFailed is matched by the
	// *ValidationError returned when post-write
	// validation rejects a file.
	ErrValidationFailed = errors.New("rowgroup: post-write validation failed")
	// ErrFieldType is returned when a record value
	// cannot be stored in or loaded from its column.
	ErrFieldType = errors.New("rowgroup: incompatible field type")
	// ErrMissingField is returned when a required
	// column has no corresponding record field.
	ErrMissingField = errors.New("rowgroup: missing required field")
)

// Engine holds the configuration shared by
// the streaming write, read, and merge operations.
// The zero value is not usable; Store must be set.
// An Engine may be used by multiple goroutines
// as long as they operate on different paths.
type Engine struct {
	// Store is the storage that files
	// are read from and written to.
	Store storage.Store
	// RowGroupSize is the maximum number of
	// records per row group.
	RowGroupSize int
	// Compression is the name of the page
	// codec (see compr.Parquet).
	Compression string
	// ChunkSize is the upload session chunk size.
	ChunkSize int
	// ValidateAfterWrite, if set, causes each
	// write to re-validate the committed file.
	ValidateAfterWrite bool
	// RecordSchema is the schema of map[string]any
	// records. It is ignored for struct records.
	RecordSchema *schema.Schema
	// Alloc is the arrow allocator.
	// If nil, memory.DefaultAllocator is used.
	Alloc memory.Allocator
	// Logger receives progress information.
	Logger logrus.FieldLogger
}

func (e *Engine) rowGroupSize() int {
	if e.RowGroupSize <= 0 {
		return DefaultRowGroupSize
	}
	return e.RowGroupSize
}

func (e *Engine) compression() string {
	if e.Compression == "" {
		return DefaultCompression
	}
	return e.Compression
}

func (e *Engine) alloc() memory.Allocator {
	if e.Alloc == nil {
		return memory.DefaultAllocator
	}
	return e.Alloc
}

func (e *Engine) logger() logrus.FieldLogger {
	if e.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		return l
	}
	return e.Logger
}

func (e *Engine) check(path string) error {
	if e == nil || e.Store == nil {
		return errors.Wrap(ErrInvalidArgument, "nil store")
	}
	if path == "" {
		return errors.Wrap(ErrInvalidArgument, "empty path")
	}
	if e.RowGroupSize < 0 {
		return errors.Wrapf(ErrInvalidArgument, "row group size %d", e.RowGroupSize)
	}
	if e.ChunkSize < 0 {
		return errors.Wrapf(ErrInvalidArgument, "chunk size %d", e.ChunkSize)
	}
	return nil
}

var mapType = reflect.TypeOf(map[string]any(nil))

func recordType[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// recordSchema returns the schema of records of type T.
func (e *Engine) recordSchema(t reflect.Type) (*schema.Schema, error) {
	if t == mapType {
		if e.RecordSchema == nil {
			return nil, errors.Wrap(ErrInvalidArgument, "map records require Engine.RecordSchema")
		}
		return e.RecordSchema, nil
	}
	if t.Kind() != reflect.Struct {
		return nil, errors.Wrapf(ErrInvalidArgument, "record type %s is not a struct", t)
	}
	return schema.FromType(t)
}
