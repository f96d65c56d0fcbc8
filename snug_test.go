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

package snug

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dolthub/snug/archiver"
	"github.com/dolthub/snug/config"
	"github.com/dolthub/snug/extract"
	"github.com/dolthub/snug/store/fsstore"
)

func TestFacadeCreateExtractValidateRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "hello.txt"), []byte("Hi\n"), 0o644))

	h, err := Open(context.Background(), Options{StorageURL: t.TempDir()})
	require.NoError(t, err)

	archivePath := filepath.Join(t.TempDir(), "out.snug")
	createResult, err := h.CreateArchive(context.Background(), src, archivePath, archiver.Options{})
	require.NoError(t, err)
	require.EqualValues(t, 1, createResult.FileCount)

	validateResult, err := h.ValidateArchive(context.Background(), archivePath)
	require.NoError(t, err)
	require.True(t, validateResult.AllExist)

	listing, err := h.Contents(context.Background(), archivePath)
	require.NoError(t, err)
	require.Len(t, listing.Entries, 1)
	require.Equal(t, "hello.txt", listing.Entries[0].Path)

	outDir := t.TempDir()
	extractResult, err := h.ExtractArchive(context.Background(), archivePath, outDir, extract.Options{})
	require.NoError(t, err)
	require.Equal(t, 1, extractResult.FilesExtracted)

	got, err := os.ReadFile(filepath.Join(outDir, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "Hi\n", string(got))
}

func TestFacadeMirroredStoreWritesToGlacier(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f.txt"), []byte("payload"), 0o644))

	primaryDir := t.TempDir()
	glacierDir := t.TempDir()

	h, err := Open(context.Background(), Options{
		StorageURL: primaryDir,
		Config: config.Config{
			StorageLocations: []config.StorageLocation{
				{Path: primaryDir, Priority: 0, VolumeType: config.VolumePrimary},
				{Path: glacierDir, Priority: 10, VolumeType: config.VolumeGlacier},
			},
		},
	})
	require.NoError(t, err)

	archivePath := filepath.Join(t.TempDir(), "out.snug")
	_, err = h.CreateArchive(context.Background(), src, archivePath, archiver.Options{})
	require.NoError(t, err)

	man, err := h.LoadMetadata(context.Background(), archivePath)
	require.NoError(t, err)

	glacier, err := fsstore.New(glacierDir)
	require.NoError(t, err)
	primary, err := fsstore.New(primaryDir)
	require.NoError(t, err)

	for hashID := range man.Hashes {
		pOk, err := primary.Exists(context.Background(), hashID)
		require.NoError(t, err)
		require.True(t, pOk)

		gOk, err := glacier.Exists(context.Background(), hashID)
		require.NoError(t, err)
		require.True(t, gOk)
	}
}

func TestFacadeRejectsUnsupportedAlgorithm(t *testing.T) {
	_, err := Open(context.Background(), Options{StorageURL: t.TempDir(), HashAlgorithm: "rot13"})
	require.Error(t, err)
}

func TestFacadeStoreStats(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("one"), 0o644))

	h, err := Open(context.Background(), Options{StorageURL: t.TempDir()})
	require.NoError(t, err)

	archivePath := filepath.Join(t.TempDir(), "out.snug")
	_, err = h.CreateArchive(context.Background(), src, archivePath, archiver.Options{})
	require.NoError(t, err)

	stats := h.StoreStats()
	require.GreaterOrEqual(t, stats.Writes, uint64(2))

	_, err = h.ValidateArchive(context.Background(), archivePath)
	require.NoError(t, err)
}

func TestFacadeCreateArchivePopulatesIndex(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "hello.txt"), []byte("Hi\n"), 0o644))

	h, err := Open(context.Background(), Options{StorageURL: t.TempDir()})
	require.NoError(t, err)

	archivePath := filepath.Join(t.TempDir(), "out.snug")
	_, err = h.CreateArchive(context.Background(), src, archivePath, archiver.Options{})
	require.NoError(t, err)

	ids, err := h.Index().QueryPath(context.Background(), "hello.txt")
	require.NoError(t, err)
	require.Len(t, ids, 1, "CreateArchive must index every written chunk by its original path")

	meta, ok, err := h.Index().Get(context.Background(), ids[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 3, meta.Size)
}
