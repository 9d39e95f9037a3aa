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

package rowgroup

import (
	"context"
	"io"
	"iter"
	"maps"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/SnellerInc/colstream/compr"
	"github.com/SnellerInc/colstream/schema"
	"github.com/SnellerInc/colstream/storage"
	"github.com/SnellerInc/colstream/upload"
)

// Result describes a file produced by Write or Merge.
type Result struct {
	// Path is the path of the file.
	Path string
	// Rows is the total number of rows in the file.
	Rows int64
	// RowGroups is the number of row groups in the file.
	RowGroups int
	// Schema is the schema of the file.
	Schema *schema.Schema
	// Added lists the fields added by a Merge.
	Added []schema.Field
	// File is the committed file.
	File *storage.FileInfo
}

// writeOnly hides the Close method of the upload
// session from the parquet writer; the session is
// committed or aborted explicitly.
type writeOnly struct {
	io.Writer
}

// writer streams row groups into one upload session.
type writer struct {
	path   string
	sess   *upload.Session
	fw     *pqarrow.FileWriter
	rb     *array.RecordBuilder
	enc    *encoder
	schema *arrow.Schema
	limit  int
	rows   int64
	groups int
	log    logrus.FieldLogger
}

// newWriter starts an upload of a new file at path.
// maxGroup is the largest row group that may be
// written verbatim through writeTable.
func (e *Engine) newWriter(ctx context.Context, path string, as *arrow.Schema, enc *encoder, maxGroup int64) (*writer, error) {
	codec, err := compr.Parquet(e.compression())
	if err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, err.Error())
	}
	sess, err := upload.New(ctx, e.Store, path, upload.Options{
		ChunkSize: e.ChunkSize,
		Logger:    e.Logger,
	})
	if err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, err.Error())
	}
	limit := e.rowGroupSize()
	if maxGroup < int64(limit) {
		maxGroup = int64(limit)
	}
	props := parquet.NewWriterProperties(
		parquet.WithCompression(codec),
		parquet.WithMaxRowGroupLength(maxGroup),
		parquet.WithAllocator(e.alloc()),
		parquet.WithCreatedBy("colstream"),
	)
	fw, err := pqarrow.NewFileWriter(as, writeOnly{sess}, props,
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		sess.Abort()
		return nil, errors.Wrapf(err, "%s: creating parquet writer", path)
	}
	return &writer{
		path:   path,
		sess:   sess,
		fw:     fw,
		rb:     array.NewRecordBuilder(e.alloc(), as),
		enc:    enc,
		schema: as,
		limit:  limit,
		log:    e.logger().WithField("path", path),
	}, nil
}

// add buffers one record, writing a row group
// once the configured row group size is reached.
func (w *writer) add(rec any) error {
	if err := w.enc.append(w.rb, rec); err != nil {
		return errors.WithMessagef(err, "%s: record %d", w.path, w.rows+int64(w.pending()))
	}
	if w.pending() >= w.limit {
		return w.flush()
	}
	return nil
}

func (w *writer) pending() int {
	if w.rb.Field(0) == nil {
		return 0
	}
	return w.rb.Field(0).Len()
}

// flush writes the buffered records
// as one row group, if there are any.
func (w *writer) flush() error {
	if w.pending() == 0 {
		return nil
	}
	rec := w.rb.NewRecord()
	defer rec.Release()
	if err := w.fw.Write(rec); err != nil {
		return errors.Wrapf(err, "%s: writing row group %d", w.path, w.groups)
	}
	w.wrote(rec.NumRows())
	return nil
}

// writeTable writes tbl as a single row group.
func (w *writer) writeTable(tbl arrow.Table) error {
	if err := w.flush(); err != nil {
		return err
	}
	n := tbl.NumRows()
	if n == 0 {
		return nil
	}
	if err := w.fw.WriteTable(tbl, n); err != nil {
		return errors.Wrapf(err, "%s: writing row group %d", w.path, w.groups)
	}
	w.wrote(n)
	return nil
}

func (w *writer) wrote(rows int64) {
	w.rows += rows
	w.groups++
	w.log.WithFields(logrus.Fields{
		"row_group": w.groups - 1,
		"rows":      rows,
		"offset":    w.sess.Offset(),
	}).Debug("wrote row group")
}

// close writes the final row group and the
// footer and then commits the upload.
func (w *writer) close() (*storage.FileInfo, error) {
	defer w.rb.Release()
	if err := w.flush(); err != nil {
		w.sess.Abort()
		return nil, err
	}
	if err := w.fw.Close(); err != nil {
		w.sess.Abort()
		return nil, errors.Wrapf(err, "%s: writing footer", w.path)
	}
	// a failed Close releases the upload itself
	if err := w.sess.Close(); err != nil {
		return nil, errors.Wrapf(err, "%s: committing", w.path)
	}
	if len(w.enc.dropped) > 0 {
		w.log.WithFields(logrus.Fields{
			"fields": slices.Sorted(maps.Keys(w.enc.dropped)),
			"count":  len(w.enc.dropped),
		}).Warn("dropped record keys not in schema")
	}
	return w.sess.Info(), nil
}

// abort abandons the file; nothing is committed.
func (w *writer) abort() {
	w.rb.Release()
	w.sess.Abort()
}

// drain feeds every record from src into w.
func drain[T any](ctx context.Context, w *writer, src iter.Seq2[T, error]) error {
	for rec, err := range src {
		if err != nil {
			return errors.WithMessagef(err, "%s: reading records", w.path)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.add(rec); err != nil {
			return err
		}
	}
	return nil
}

// Write streams the records produced by src
// into a new file at path, replacing any existing
// file once the new one is committed.
//
// Records are pulled from src one at a time and
// written in row groups of e.RowGroupSize records;
// the last row group holds the remainder. If src
// yields an error, or any write fails, nothing
// is committed and the error is returned.
func Write[T any](ctx context.Context, e *Engine, path string, src iter.Seq2[T, error]) (*Result, error) {
	if err := e.check(path); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil record source")
	}
	s, err := e.recordSchema(recordType[T]())
	if err != nil {
		return nil, err
	}
	if s.Len() == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "schema has no fields")
	}
	as := s.Arrow()
	enc, err := newEncoder(recordType[T](), as)
	if err != nil {
		return nil, err
	}
	w, err := e.newWriter(ctx, path, as, enc, 0)
	if err != nil {
		return nil, err
	}
	if err := drain(ctx, w, src); err != nil {
		w.abort()
		return nil, err
	}
	info, err := w.close()
	if err != nil {
		return nil, err
	}
	res := &Result{
		Path:      path,
		Rows:      w.rows,
		RowGroups: w.groups,
		Schema:    s,
		File:      info,
	}
	if err := e.postValidate(ctx, path); err != nil {
		return nil, err
	}
	e.logger().WithFields(logrus.Fields{
		"path":        path,
		"rows":        res.Rows,
		"row_groups":  res.RowGroups,
		"size":        info.Size,
		"fingerprint": s.Fingerprint(),
	}).Info("wrote file")
	return res, nil
}

// Slice returns a record source that yields
// the elements of recs.
func Slice[T any](recs []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for i := range recs {
			if !yield(recs[i], nil) {
				return
			}
		}
	}
}
