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

package schema

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// InferJSON derives a Schema from one JSON object,
// keeping the order in which keys appear.
// Every inferred field is nullable. Integral
// numbers become Int64, other numbers Float64,
// and null values become nullable strings.
// Nested objects and arrays are not supported.
func InferJSON(obj []byte) (*Schema, error) {
	d := json.NewDecoder(bytes.NewReader(obj))
	d.UseNumber()
	tok, err := d.Token()
	if err != nil {
		return nil, errors.Wrap(err, "schema: infer")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.Errorf("schema: infer: expected a JSON object")
	}
	var fields []Field
	for d.More() {
		tok, err = d.Token()
		if err != nil {
			return nil, errors.Wrap(err, "schema: infer")
		}
		name := tok.(string)
		tok, err = d.Token()
		if err != nil {
			return nil, errors.Wrap(err, "schema: infer")
		}
		var t Type
		switch v := tok.(type) {
		case bool:
			t = Bool
		case string, nil:
			t = String
		case json.Number:
			t = Float64
			if !strings.ContainsAny(v.String(), ".eE") {
				if _, err := v.Int64(); err == nil {
					t = Int64
				}
			}
		default:
			return nil, errors.Wrapf(ErrUnsupportedType, "field %q: nested value", name)
		}
		fields = append(fields, Field{Name: name, Type: t, Nullable: true})
	}
	return New(fields...)
}
