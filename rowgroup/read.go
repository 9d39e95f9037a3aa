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
	"reflect"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/pkg/errors"

	"github.com/SnellerInc/colstream/schema"
	"github.com/SnellerInc/colstream/storage"
)

// reader is an open columnar file.
type reader struct {
	path string
	f    *storage.File
	pr   *file.Reader
	fr   *pqarrow.FileReader
}

func (e *Engine) open(ctx context.Context, path string) (*reader, error) {
	f, err := storage.OpenFile(ctx, e.Store, path)
	if err != nil {
		return nil, err
	}
	pr, err := file.NewParquetReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: reading footer", path)
	}
	fr, err := pqarrow.NewFileReader(pr, pqarrow.ArrowReadProperties{
		BatchSize: int64(e.rowGroupSize()),
	}, e.alloc())
	if err != nil {
		pr.Close()
		return nil, errors.Wrapf(err, "%s: reading schema", path)
	}
	return &reader{path: path, f: f, pr: pr, fr: fr}, nil
}

func (r *reader) close() {
	r.pr.Close()
}

func (r *reader) schema() (*arrow.Schema, error) {
	as, err := r.fr.Schema()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: reading schema", r.path)
	}
	return as, nil
}

func (r *reader) numRowGroups() int { return r.pr.NumRowGroups() }

// maxGroupRows returns the row count
// of the largest row group.
func (r *reader) maxGroupRows() int64 {
	var largest int64
	for i := 0; i < r.pr.NumRowGroups(); i++ {
		if n := r.pr.MetaData().RowGroup(i).NumRows(); n > largest {
			largest = n
		}
	}
	return largest
}

// readGroup reads the given columns
// of row group g into a table.
func (r *reader) readGroup(ctx context.Context, cols []int, g int) (arrow.Table, error) {
	tbl, err := r.fr.ReadRowGroups(ctx, cols, []int{g})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: reading row group %d", r.path, g)
	}
	return tbl, nil
}

// Schema returns the schema of the file at path.
// Only the footer of the file is read.
func (e *Engine) Schema(ctx context.Context, path string) (*schema.Schema, error) {
	if err := e.check(path); err != nil {
		return nil, err
	}
	r, err := e.open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer r.close()
	as, err := r.schema()
	if err != nil {
		return nil, err
	}
	s, err := schema.FromArrow(as)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return s, nil
}

// Read returns a sequence of the records
// stored in the file at path, in storage order.
//
// The file is opened when iteration starts and
// row groups are decoded one at a time as the
// caller advances. Stopping the iteration early
// releases the file. If an error occurs it is
// yielded once, after which iteration stops.
//
// Columns are matched to record fields without
// regard to case; columns with no matching field
// are not read, and fields with no matching column
// are left at their zero value.
func Read[T any](ctx context.Context, e *Engine, path string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if err := e.check(path); err != nil {
			yield(zero, err)
			return
		}
		t := recordType[T]()
		if t != mapType && t.Kind() != reflect.Struct {
			yield(zero, errors.Wrapf(ErrInvalidArgument, "record type %s is not a struct", t))
			return
		}
		r, err := e.open(ctx, path)
		if err != nil {
			yield(zero, err)
			return
		}
		defer r.close()
		as, err := r.schema()
		if err != nil {
			yield(zero, err)
			return
		}
		cols, err := columns(t, as)
		if err != nil {
			yield(zero, errors.WithMessage(err, path))
			return
		}
		for g := 0; g < r.numRowGroups(); g++ {
			if err := ctx.Err(); err != nil {
				yield(zero, err)
				return
			}
			tbl, err := r.readGroup(ctx, cols, g)
			if err != nil {
				yield(zero, err)
				return
			}
			more := yieldTable(tbl, t, e.rowGroupSize(), yield)
			tbl.Release()
			if !more {
				return
			}
		}
	}
}

// yieldTable decodes every row of tbl and
// passes it to yield. It returns false if
// iteration should stop.
func yieldTable[T any](tbl arrow.Table, t reflect.Type, batch int, yield func(T, error) bool) bool {
	var zero T
	dec, err := newDecoder(t, tbl.Schema())
	if err != nil {
		yield(zero, err)
		return false
	}
	tr := array.NewTableReader(tbl, int64(batch))
	defer tr.Release()
	for tr.Next() {
		rec := tr.Record()
		for row := 0; row < int(rec.NumRows()); row++ {
			v, err := dec.decode(rec, row)
			if err != nil {
				yield(zero, err)
				return false
			}
			if !yield(v.(T), nil) {
				return false
			}
		}
	}
	return true
}
