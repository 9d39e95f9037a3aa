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

// Package compact converts newline-delimited
// JSON files into columnar files.
package compact

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/SnellerInc/colstream/compr"
	"github.com/SnellerInc/colstream/rowgroup"
	"github.com/SnellerInc/colstream/schema"
	"github.com/SnellerInc/colstream/storage"
)

// DefaultMaxLineSize is the longest line
// accepted when Compactor.MaxLineSize is zero.
const DefaultMaxLineSize = 64 * 1024 * 1024

// Compactor reads NDJSON files and writes
// their records as columnar files.
type Compactor struct {
	// Source is the store holding the NDJSON input.
	// If nil, Engine.Store is used.
	Source storage.Store
	// Engine writes the columnar output.
	Engine *rowgroup.Engine
	// MaxLineSize is the longest accepted line.
	MaxLineSize int
	// Logger receives progress information.
	Logger logrus.FieldLogger
}

// Stats describes a completed compaction.
type Stats struct {
	// Lines is the number of input lines read.
	Lines int64 `json:"lines"`
	// Records is the number of records written.
	Records int64 `json:"records"`
	// Skipped is the number of blank
	// and literal null lines.
	Skipped int64 `json:"skipped"`
	// Result describes the columnar output.
	Result *rowgroup.Result `json:"-"`
}

func (c *Compactor) source() storage.Store {
	if c.Source != nil {
		return c.Source
	}
	return c.Engine.Store
}

func (c *Compactor) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	if c.Engine != nil && c.Engine.Logger != nil {
		return c.Engine.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var null = []byte("null")

// Decode returns a sequence of the records
// held in the NDJSON stream r. Blank lines and
// lines holding a literal null are skipped. Each
// decoding error is yielded once and ends the
// sequence. If st is non-nil, it is updated
// as lines are consumed.
func Decode[T any](r io.Reader, maxLine int, st *Stats) iter.Seq2[T, error] {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	if st == nil {
		st = new(Stats)
	}
	return func(yield func(T, error) bool) {
		var zero T
		s := bufio.NewScanner(r)
		s.Buffer(make([]byte, 0, min(64*1024, maxLine)), maxLine)
		line := int64(0)
		for s.Scan() {
			line++
			st.Lines++
			text := bytes.TrimSpace(s.Bytes())
			if len(text) == 0 || bytes.Equal(text, null) {
				st.Skipped++
				continue
			}
			var v T
			d := json.NewDecoder(bytes.NewReader(text))
			d.UseNumber()
			if err := d.Decode(&v); err != nil {
				yield(zero, errors.Wrapf(err, "line %d", line))
				return
			}
			if d.More() {
				yield(zero, errors.Errorf("line %d: unexpected data after JSON value", line))
				return
			}
			st.Records++
			if !yield(v, nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(zero, errors.Wrapf(err, "after line %d", line))
		}
	}
}

// Run converts the NDJSON file at src into a
// columnar file at dst. The input is decompressed
// according to its suffix (see compr.NewReader).
//
// Compaction is all-or-nothing: if any line fails
// to decode or any write fails, dst is not written.
// The source file is never modified; removing it
// is left to the caller.
func Run[T any](ctx context.Context, c *Compactor, src, dst string) (*Stats, error) {
	return convert(ctx, c, src, dst, "compacted", rowgroup.Write[T])
}

// Merge is like Run, but the records of src
// are merged into the existing columnar file
// at dst (see rowgroup.Merge).
func Merge[T any](ctx context.Context, c *Compactor, src, dst string) (*Stats, error) {
	return convert(ctx, c, src, dst, "merged", rowgroup.Merge[T])
}

type writeFunc[T any] func(context.Context, *rowgroup.Engine, string, iter.Seq2[T, error]) (*rowgroup.Result, error)

func (c *Compactor) check(src, dst string) error {
	if c == nil || c.Engine == nil {
		return errors.Wrap(rowgroup.ErrInvalidArgument, "nil engine")
	}
	if src == "" || dst == "" {
		return errors.Wrap(rowgroup.ErrInvalidArgument, "empty path")
	}
	if c.source() == nil {
		return errors.Wrap(rowgroup.ErrInvalidArgument, "nil store")
	}
	return nil
}

// open opens src and decompresses it according to its suffix.
func (c *Compactor) open(ctx context.Context, src string) (io.ReadCloser, func(), error) {
	rc, err := c.source().Open(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	dec, err := compr.NewReader(src, rc)
	if err != nil {
		rc.Close()
		return nil, nil, err
	}
	done := func() {
		if err := dec.Close(); err != nil {
			c.logger().WithError(err).WithField("source", src).Warn("closing decompressor")
		}
		rc.Close()
	}
	return dec, done, nil
}

func convert[T any](ctx context.Context, c *Compactor, src, dst, verb string, write writeFunc[T]) (*Stats, error) {
	if err := c.check(src, dst); err != nil {
		return nil, err
	}
	dec, done, err := c.open(ctx, src)
	if err != nil {
		return nil, err
	}
	defer done()
	st := &Stats{}
	res, err := write(ctx, c.Engine, dst, Decode[T](dec, c.MaxLineSize, st))
	if err != nil {
		return nil, errors.WithMessage(err, src)
	}
	st.Result = res
	c.logger().WithFields(logrus.Fields{
		"source":  src,
		"path":    dst,
		"lines":   st.Lines,
		"records": st.Records,
		"skipped": st.Skipped,
	}).Info(verb)
	return st, nil
}

// InferSchema returns the schema of the first
// record in the NDJSON file src (see schema.InferJSON).
func InferSchema(ctx context.Context, c *Compactor, src string) (*schema.Schema, error) {
	if err := c.check(src, src); err != nil {
		return nil, err
	}
	dec, done, err := c.open(ctx, src)
	if err != nil {
		return nil, err
	}
	defer done()
	for v, err := range Decode[json.RawMessage](dec, c.MaxLineSize, nil) {
		if err != nil {
			return nil, errors.WithMessage(err, src)
		}
		s, err := schema.InferJSON(v)
		if err != nil {
			return nil, errors.WithMessage(err, src)
		}
		return s, nil
	}
	return nil, errors.Errorf("%s: no records to infer a schema from", src)
}
