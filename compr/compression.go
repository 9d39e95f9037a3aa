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

// Package compr resolves compression
// algorithms by name or file suffix.
//
// Parquet page codecs are looked up by
// name; whole-stream codecs for NDJSON
// inputs and outputs are chosen from the
// file suffix.
package compr

import (
	"io"
	"path"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// ErrUnknownCodec is returned for
// unrecognized compression names.
var ErrUnknownCodec = errors.New("compr: unknown codec")

var parquetCodecs = map[string]compress.Compression{
	"none":         compress.Codecs.Uncompressed,
	"uncompressed": compress.Codecs.Uncompressed,
	"snappy":       compress.Codecs.Snappy,
	"gzip":         compress.Codecs.Gzip,
	"brotli":       compress.Codecs.Brotli,
	"zstd":         compress.Codecs.Zstd,
	"lz4":          compress.Codecs.Lz4Raw,
	"lz4_raw":      compress.Codecs.Lz4Raw,
}

// Parquet returns the page codec for name.
// Names are matched without regard to case,
// so "Snappy" and "snappy" are equivalent.
func Parquet(name string) (compress.Compression, error) {
	c, ok := parquetCodecs[strings.ToLower(name)]
	if !ok {
		return compress.Codecs.Uncompressed, errors.Wrapf(ErrUnknownCodec, "%q", name)
	}
	return c, nil
}

// ParquetNames returns the accepted
// page codec names in sorted order.
func ParquetNames() []string {
	out := make([]string, 0, len(parquetCodecs))
	for k := range parquetCodecs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Stream describes a whole-stream
// compression format selected by suffix.
type Stream struct {
	// Suffix is the file suffix, including the dot.
	Suffix string
	// NewReader wraps r with a decompressor.
	NewReader func(r io.Reader) (io.ReadCloser, error)
	// NewWriter wraps w with a compressor.
	NewWriter func(w io.Writer) (io.WriteCloser, error)
}

func noEOF(err, sub error) error {
	if errors.Is(err, io.EOF) {
		return sub
	}
	return err
}

var streams = []Stream{
	{
		Suffix: ".gz",
		NewReader: func(r io.Reader) (io.ReadCloser, error) {
			rz, err := gzip.NewReader(r)
			err = noEOF(err, gzip.ErrHeader)
			if err != nil {
				return nil, err
			}
			return rz, nil
		},
		NewWriter: func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriter(w), nil
		},
	},
	{
		Suffix: ".zst",
		NewReader: func(r io.Reader) (io.ReadCloser, error) {
			rz, err := zstd.NewReader(r)
			err = noEOF(err, zstd.ErrMagicMismatch)
			if err != nil {
				return nil, err
			}
			return rz.IOReadCloser(), nil
		},
		NewWriter: func(w io.Writer) (io.WriteCloser, error) {
			enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
			if err != nil {
				return nil, err
			}
			return enc, nil
		},
	},
	{
		Suffix: ".s2",
		NewReader: func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(s2.NewReader(r)), nil
		},
		NewWriter: func(w io.Writer) (io.WriteCloser, error) {
			return s2.NewWriter(w), nil
		},
	},
}

// ForPath returns the stream format matching
// the suffix of p, or nil if p is not compressed.
func ForPath(p string) *Stream {
	ext := path.Ext(p)
	for i := range streams {
		if streams[i].Suffix == ext {
			return &streams[i]
		}
	}
	return nil
}

// TrimSuffix removes a recognized compression
// suffix from p.
func TrimSuffix(p string) string {
	if s := ForPath(p); s != nil {
		return strings.TrimSuffix(p, s.Suffix)
	}
	return p
}

// NewReader returns a reader that decompresses r
// according to the suffix of p. If p has no
// recognized suffix, r is returned unchanged.
func NewReader(p string, r io.Reader) (io.ReadCloser, error) {
	s := ForPath(p)
	if s == nil {
		return io.NopCloser(r), nil
	}
	rc, err := s.NewReader(r)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: %s", p, strings.TrimPrefix(s.Suffix, "."))
	}
	return rc, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewWriter returns a writer that compresses into w
// according to the suffix of p. Closing the returned
// writer flushes the compressor but does not close w.
func NewWriter(p string, w io.Writer) (io.WriteCloser, error) {
	s := ForPath(p)
	if s == nil {
		return nopWriteCloser{w}, nil
	}
	return s.NewWriter(w)
}
