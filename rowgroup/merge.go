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
	"iter"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/SnellerInc/colstream/schema"
	"github.com/SnellerInc/colstream/storage"
)

// TempPath returns the path of the temporary
// file used while merging into path.
func TempPath(path string) string {
	return path + ".merge-" + uuid.NewString()
}

// Merge appends the records produced by src to
// the file at path, evolving its schema when the
// records carry fields the file lacks.
//
// The merged file is written to a temporary path:
// every existing row group is copied unchanged
// (new columns filled with nulls), followed by new
// row groups holding the incoming records. Only
// once the temporary file has been committed is it
// renamed over path; on any failure path is left
// untouched. If no file exists at path, Merge is
// equivalent to Write.
func Merge[T any](ctx context.Context, e *Engine, path string, src iter.Seq2[T, error]) (*Result, error) {
	if err := e.check(path); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil record source")
	}
	t := recordType[T]()
	incoming, err := e.recordSchema(t)
	if err != nil {
		return nil, err
	}
	log := e.logger().WithField("path", path)
	if _, err := e.Store.Stat(ctx, path); err != nil {
		if !storage.IsNotExist(err) {
			return nil, err
		}
		log.Debug("merge target does not exist; writing new file")
		return Write(ctx, e, path, src)
	}

	r, err := e.open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.close()
	fileArrow, err := r.schema()
	if err != nil {
		return nil, err
	}
	existing, err := schema.FromArrow(fileArrow)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	merged, err := schema.Evolve(existing, incoming)
	if err != nil {
		return nil, err
	}
	added := schema.Added(existing, merged)
	as := merged.ExtendArrow(fileArrow)
	enc, err := newEncoder(t, as)
	if err != nil {
		return nil, err
	}

	tmp := TempPath(path)
	w, err := e.newWriter(ctx, tmp, as, enc, r.maxGroupRows())
	if err != nil {
		return nil, err
	}
	all := make([]int, fileArrow.NumFields())
	for i := range all {
		all[i] = i
	}
	for g := 0; g < r.numRowGroups(); g++ {
		if err := ctx.Err(); err != nil {
			w.abort()
			return nil, err
		}
		tbl, err := r.readGroup(ctx, all, g)
		if err != nil {
			w.abort()
			return nil, err
		}
		ext := extendTable(tbl, as, e.alloc())
		tbl.Release()
		err = w.writeTable(ext)
		ext.Release()
		if err != nil {
			w.abort()
			return nil, err
		}
	}
	copied := w.groups
	if err := drain(ctx, w, src); err != nil {
		w.abort()
		return nil, err
	}
	info, err := w.close()
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if err := e.Store.Remove(context.WithoutCancel(ctx), tmp); err != nil {
			log.WithError(err).WithField("temp", tmp).Warn("removing merge output")
		}
	}
	if err := e.postValidate(ctx, tmp); err != nil {
		cleanup()
		return nil, err
	}
	if err := e.Store.Rename(ctx, tmp, path); err != nil {
		cleanup()
		return nil, errors.Wrapf(err, "%s: replacing with merged file", path)
	}
	info.Path = path
	res := &Result{
		Path:      path,
		Rows:      w.rows,
		RowGroups: w.groups,
		Schema:    merged,
		Added:     added,
		File:      info,
	}
	fields := logrus.Fields{
		"rows":        res.Rows,
		"row_groups":  res.RowGroups,
		"copied":      copied,
		"size":        info.Size,
		"fingerprint": merged.Fingerprint(),
	}
	if len(added) > 0 {
		fields["evolved_from"] = existing.Fingerprint()
		fields["added"] = len(added)
	}
	log.WithFields(fields).Info("merged file")
	return res, nil
}

// extendTable returns tbl with the schema as,
// whose leading fields are those of tbl; every
// trailing field is filled with nulls.
func extendTable(tbl arrow.Table, as *arrow.Schema, mem memory.Allocator) arrow.Table {
	n := tbl.NumRows()
	cols := make([]arrow.Column, as.NumFields())
	for i := range cols {
		f := as.Field(i)
		if i < int(tbl.NumCols()) {
			cols[i] = *arrow.NewColumn(f, tbl.Column(i).Data())
			continue
		}
		nulls := array.MakeArrayOfNull(mem, f.Type, int(n))
		chunked := arrow.NewChunked(f.Type, []arrow.Array{nulls})
		nulls.Release()
		cols[i] = *arrow.NewColumn(f, chunked)
		chunked.Release()
	}
	out := array.NewTable(as, cols, n)
	for i := range cols {
		cols[i].Release()
	}
	return out
}
