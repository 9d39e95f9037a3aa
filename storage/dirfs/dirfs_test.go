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

package dirfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SnellerInc/colstream/storage/storagetest"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, New(t.TempDir(), nil))
}

func TestStaging(t *testing.T) {
	root := t.TempDir()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	d := New(root, logger)
	ctx := context.Background()

	require.NoError(t, d.Append(ctx, "x/y.parquet", []byte("abc"), 0))
	_, err := os.Stat(filepath.Join(root, "x", "y.parquet"))
	assert.True(t, os.IsNotExist(err), "uncommitted file must not be visible")
	buf, err := os.ReadFile(filepath.Join(root, "x", "y.parquet"+StageSuffix))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))

	info, err := d.Commit(ctx, "x/y.parquet", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, info.ETag)
	_, err = os.Stat(filepath.Join(root, "x", "y.parquet"+StageSuffix))
	assert.True(t, os.IsNotExist(err))
	buf, err = os.ReadFile(filepath.Join(root, "x", "y.parquet"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "commit", hook.LastEntry().Message)
	assert.Equal(t, int64(3), hook.LastEntry().Data["size"])
}

func TestInvalidPath(t *testing.T) {
	d := New(t.TempDir(), nil)
	ctx := context.Background()
	for _, p := range []string{"", ".", "../escape", "/abs", "a/../b"} {
		assert.ErrorIs(t, d.Append(ctx, p, []byte("x"), 0), os.ErrInvalid, "path %q", p)
	}
}
