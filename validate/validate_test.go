// Copyright 2024 Dolthub, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package validate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dolthub/snug/archiver"
	"github.com/dolthub/snug/manifest"
	"github.com/dolthub/snug/store/fsstore"
	"github.com/dolthub/snug/store/hash"
)

func TestValidateAllExist(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("b"), 0o644))

	store, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	a := archiver.New(store, nil)
	output := filepath.Join(t.TempDir(), "out.snug")
	_, err = a.Create(context.Background(), src, output, archiver.Options{HashAlgorithm: hash.SHA256})
	require.NoError(t, err)

	f, err := os.Open(output)
	require.NoError(t, err)
	defer f.Close()
	man, err := manifest.Decode(f)
	require.NoError(t, err)

	result, err := Validate(context.Background(), store, man)
	require.NoError(t, err)
	require.True(t, result.AllExist)
	require.Equal(t, 2, result.Total)
	require.Equal(t, 2, result.Found)
	require.Zero(t, result.Missing)
}

func TestValidateReportsMissingChunks(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("b"), 0o644))

	store, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	a := archiver.New(store, nil)
	output := filepath.Join(t.TempDir(), "out.snug")
	_, err = a.Create(context.Background(), src, output, archiver.Options{HashAlgorithm: hash.SHA256})
	require.NoError(t, err)

	f, err := os.Open(output)
	require.NoError(t, err)
	man, err := manifest.Decode(f)
	require.NoError(t, err)
	f.Close()

	require.NoError(t, store.Delete(context.Background(), man.Entries[0].Hash))

	result, err := Validate(context.Background(), store, man)
	require.NoError(t, err)
	require.False(t, result.AllExist)
	require.Equal(t, 1, result.Missing)
	require.Contains(t, result.MissingHashes, man.Entries[0].Hash)
}
