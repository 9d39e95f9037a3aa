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

// Evolve merges incoming into existing.
//
// The result contains every field of existing,
// unchanged and in the same order, followed by each
// field of incoming whose name does not match an
// existing field (without regard to case), forced
// to be nullable. When names match, the existing
// field wins and the types are not compared.
//
// If incoming adds no fields, existing is returned.
func Evolve(existing, incoming *Schema) (*Schema, error) {
	if existing == nil || incoming == nil {
		return nil, ErrNilSchema
	}
	var added []Field
	for _, f := range incoming.fields {
		if _, ok := existing.Lookup(f.Name); ok {
			continue
		}
		f.Nullable = true
		added = append(added, f)
	}
	if len(added) == 0 {
		return existing, nil
	}
	out := make([]Field, 0, len(existing.fields)+len(added))
	out = append(out, existing.fields...)
	out = append(out, added...)
	return &Schema{fields: out}, nil
}

// Added returns the fields of evolved that
// are not present in base, in order.
func Added(base, evolved *Schema) []Field {
	var out []Field
	for _, f := range evolved.fields {
		if _, ok := base.Lookup(f.Name); !ok {
			out = append(out, f)
		}
	}
	return out
}
