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
	"bytes"
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/pkg/errors"

	"github.com/SnellerInc/colstream/storage"
)

// Level is a validation level. Each level
// performs the checks of the levels below it.
type Level int

const (
	// LevelSize checks that the file is large
	// enough to hold the magic markers and
	// footer length.
	LevelSize Level = iota + 1
	// LevelMagic additionally checks for the
	// magic marker at both ends of the file.
	LevelMagic
	// LevelFull additionally parses the footer.
	LevelFull
)

// MinFileSize is the size of the smallest
// structurally valid file: two 4-byte magic
// markers and a 4-byte footer length.
const MinFileSize = 12

var magic = []byte("PAR1")

func (l Level) String() string {
	switch l {
	case LevelSize:
		return "size"
	case LevelMagic:
		return "magic"
	case LevelFull:
		return "full"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel parses the name of a Level.
func ParseLevel(s string) (Level, error) {
	for l := LevelSize; l <= LevelFull; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidArgument, "validation level %q", s)
}

// Validation is the outcome of Validate.
type Validation struct {
	Path  string `json:"path"`
	Level Level  `json:"level"`
	Valid bool   `json:"valid"`
	// Reason describes why the file is invalid.
	Reason string `json:"reason,omitempty"`
	// Size is the detected size of the file.
	Size int64 `json:"size"`
	// RowGroups, Rows, and Fields are only
	// populated by LevelFull.
	RowGroups int      `json:"row_groups,omitempty"`
	Rows      int64    `json:"rows,omitempty"`
	Fields    []string `json:"fields,omitempty"`
}

func (v *Validation) String() string {
	if v.Valid {
		return fmt.Sprintf("%s: ok (%s, %d bytes)", v.Path, v.Level, v.Size)
	}
	return fmt.Sprintf("%s: invalid (%s): %s", v.Path, v.Level, v.Reason)
}

func (v *Validation) fail(format string, args ...any) *Validation {
	v.Valid = false
	v.Reason = fmt.Sprintf(format, args...)
	return v
}

// ValidationError is returned when validation
// requested after a write rejects the new file.
type ValidationError struct {
	Result *Validation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: post-write validation failed: %s", e.Result.Path, e.Result.Reason)
}

// Is allows errors.Is(err, ErrValidationFailed).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Validate checks the structure of the file at
// path up to the given level.
//
// Structural problems, including a missing file,
// are reported through the returned Validation;
// the error is reserved for invalid arguments and
// storage failures.
func (e *Engine) Validate(ctx context.Context, path string, level Level) (*Validation, error) {
	if err := e.check(path); err != nil {
		return nil, err
	}
	if level < LevelSize || level > LevelFull {
		return nil, errors.Wrapf(ErrInvalidArgument, "validation level %d", int(level))
	}
	v := &Validation{Path: path, Level: level}
	f, err := storage.OpenFile(ctx, e.Store, path)
	if err != nil {
		if storage.IsNotExist(err) {
			return v.fail("file does not exist"), nil
		}
		return nil, err
	}
	v.Size = f.Size()
	if v.Size < MinFileSize {
		return v.fail("file too small: %d bytes (minimum %d)", v.Size, MinFileSize), nil
	}
	if level >= LevelMagic {
		buf := make([]byte, len(magic))
		if _, err := f.ReadAt(buf, 0); err != nil {
			return nil, errors.Wrapf(err, "%s: reading header", path)
		}
		if !bytes.Equal(buf, magic) {
			return v.fail("missing %s magic at start of file", magic), nil
		}
		if _, err := f.ReadAt(buf, v.Size-int64(len(magic))); err != nil {
			return nil, errors.Wrapf(err, "%s: reading trailer", path)
		}
		if !bytes.Equal(buf, magic) {
			return v.fail("missing %s magic at end of file", magic), nil
		}
	}
	if level >= LevelFull {
		if err := parseFooter(f, v); err != nil {
			return v.fail("invalid footer: %s", err), nil
		}
	}
	v.Valid = true
	return v, nil
}

// parseFooter decodes the footer of f and
// records its contents in v. Decoding panics
// are reported as errors.
func parseFooter(f *storage.File, v *Validation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%v", p)
		}
	}()
	pr, err := file.NewParquetReader(f)
	if err != nil {
		return err
	}
	defer pr.Close()
	md := pr.MetaData()
	v.RowGroups = pr.NumRowGroups()
	v.Rows = pr.NumRows()
	root := md.Schema.Root()
	v.Fields = make([]string, root.NumFields())
	for i := range v.Fields {
		v.Fields[i] = root.Field(i).Name()
	}
	return nil
}

// postValidate re-runs the size check
// on a freshly written file when requested.
func (e *Engine) postValidate(ctx context.Context, path string) error {
	if !e.ValidateAfterWrite {
		return nil
	}
	v, err := e.Validate(ctx, path, LevelSize)
	if err != nil {
		return err
	}
	if !v.Valid {
		e.logger().WithField("path", path).WithField("reason", v.Reason).Warn("post-write validation failed")
		return &ValidationError{Result: v}
	}
	return nil
}
