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

package memfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SnellerInc/colstream/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, New())
}

func TestETag(t *testing.T) {
	fs := New()
	a := fs.WriteFile("a", []byte("same"))
	ctx := context.Background()
	require.NoError(t, fs.Append(ctx, "b", []byte("sa"), 0))
	require.NoError(t, fs.Append(ctx, "b", []byte("me"), 2))
	n, ok := fs.Pending("b")
	assert.True(t, ok)
	assert.Equal(t, 4, n)
	b, err := fs.Commit(ctx, "b", 4)
	require.NoError(t, err)
	assert.Equal(t, a.ETag, b.ETag)
	assert.Equal(t, 2, fs.Len())

	c := fs.WriteFile("c", []byte("different"))
	assert.NotEqual(t, a.ETag, c.ETag)
}

func TestCanceled(t *testing.T) {
	fs := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, fs.Append(ctx, "a", []byte("x"), 0), context.Canceled)
	_, ok := fs.Pending("a")
	assert.False(t, ok)
}
