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

package archiver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dolthub/snug/manifest"
	"github.com/dolthub/snug/store/fsstore"
	"github.com/dolthub/snug/store/hash"
	"github.com/dolthub/snug/store/hashcache"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func readManifest(t *testing.T, path string) *manifest.Manifest {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	m, err := manifest.Decode(f)
	require.NoError(t, err)
	return m
}

func TestCreateDeduplicatesIdenticalContent(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "hello.txt"), []byte("Hi\n"))
	writeFile(t, filepath.Join(src, "sub", "dup.txt"), []byte("Hi\n"))
	writeFile(t, filepath.Join(src, "sub", "other.bin"), []byte{0x00, 0xFF, 0x10})

	store, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	a := New(store, nil)

	output := filepath.Join(t.TempDir(), "out.snug")
	result, err := a.Create(context.Background(), src, output, Options{HashAlgorithm: hash.SHA256})
	require.NoError(t, err)

	require.EqualValues(t, 3, result.FileCount)
	require.EqualValues(t, 9, result.TotalSize)
	require.EqualValues(t, 2, result.UniqueHashCount)

	m := readManifest(t, output)
	require.Len(t, m.Entries, 4) // three files plus the "sub" directory
	for _, e := range m.Entries {
		if e.Type != manifest.EntryFile {
			continue
		}
		ok, err := store.Exists(context.Background(), e.Hash)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestCreateHonorsIgnorePatterns(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "build", "junk.o"), []byte("junk"))
	writeFile(t, filepath.Join(src, "keep.txt"), []byte("keep"))

	store, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	a := New(store, nil)

	output := filepath.Join(t.TempDir(), "out.snug")
	_, err = a.Create(context.Background(), src, output, Options{
		HashAlgorithm:  hash.SHA256,
		IgnorePatterns: []string{"build/"},
	})
	require.NoError(t, err)

	m := readManifest(t, output)
	var sawKeep bool
	for _, e := range m.Entries {
		require.False(t, strings.HasPrefix(e.Path, "build/"), "build/ should have been ignored")
		if e.Path == "keep.txt" {
			sawKeep = true
		}
	}
	require.True(t, sawKeep)
}

func TestCreatePreservesSymlinks(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "target.txt"), []byte("payload"))
	require.NoError(t, os.Symlink("target.txt", filepath.Join(src, "link")))

	store, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	a := New(store, nil)

	output := filepath.Join(t.TempDir(), "out.snug")
	_, err = a.Create(context.Background(), src, output, Options{
		HashAlgorithm:    hash.SHA256,
		PreserveSymlinks: true,
	})
	require.NoError(t, err)

	m := readManifest(t, output)
	var found bool
	for _, e := range m.Entries {
		if e.Type == manifest.EntrySymlink {
			require.Equal(t, "link", e.Path)
			require.Equal(t, "target.txt", e.Target)
			found = true
		}
	}
	require.True(t, found, "expected a symlink entry")
}

func TestCreateDefaultSymlinkBehaviorRecordsLinkWithoutResolving(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "target.txt"), []byte("payload"))
	require.NoError(t, os.Symlink("target.txt", filepath.Join(src, "link")))

	store, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	a := New(store, nil)

	output := filepath.Join(t.TempDir(), "out.snug")
	_, err = a.Create(context.Background(), src, output, Options{HashAlgorithm: hash.SHA256})
	require.NoError(t, err)

	m := readManifest(t, output)
	var found bool
	for _, e := range m.Entries {
		if e.Type == manifest.EntrySymlink {
			require.Equal(t, "link", e.Path)
			require.Equal(t, "target.txt", e.Target)
			found = true
		}
	}
	require.True(t, found, "neither symlink option set should still record the link itself")
}

func TestCreateFollowSymlinksResolvesTargetAsFile(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "target.txt"), []byte("payload"))
	require.NoError(t, os.Symlink("target.txt", filepath.Join(src, "link")))

	store, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	a := New(store, nil)

	output := filepath.Join(t.TempDir(), "out.snug")
	_, err = a.Create(context.Background(), src, output, Options{
		HashAlgorithm:  hash.SHA256,
		FollowSymlinks: true,
	})
	require.NoError(t, err)

	m := readManifest(t, output)
	var linkEntry *manifest.ArchiveEntry
	for i, e := range m.Entries {
		if e.Path == "link" {
			linkEntry = &m.Entries[i]
		}
	}
	require.NotNil(t, linkEntry, "expected an entry for the link path")
	require.Equal(t, manifest.EntryFile, linkEntry.Type, "followSymlinks must resolve the link to its target's content")

	ok, err := store.Exists(context.Background(), linkEntry.Hash)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCreateReusesHashCacheAcrossRuns(t *testing.T) {
	src := t.TempDir()
	for i := 0; i < 10; i++ {
		writeFile(t, filepath.Join(src, "file"+string(rune('a'+i))+".txt"), []byte("payload"))
	}

	store, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	cache, err := hashcache.New("", 0)
	require.NoError(t, err)
	a := New(store, cache)

	out1 := filepath.Join(t.TempDir(), "out1.snug")
	_, err = a.Create(context.Background(), src, out1, Options{HashAlgorithm: hash.SHA256})
	require.NoError(t, err)
	require.EqualValues(t, 10, cache.Stats().Misses)
	require.EqualValues(t, 0, cache.Stats().Hits)

	out2 := filepath.Join(t.TempDir(), "out2.snug")
	_, err = a.Create(context.Background(), src, out2, Options{HashAlgorithm: hash.SHA256})
	require.NoError(t, err)
	require.GreaterOrEqual(t, cache.Stats().Hits, int64(10))
}

func TestCreateRejectsMissingSource(t *testing.T) {
	store, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	a := New(store, nil)

	_, err = a.Create(context.Background(), filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "out.snug"), Options{})
	require.Error(t, err)
}

func TestCreateRejectsUnsupportedAlgorithm(t *testing.T) {
	store, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	a := New(store, nil)

	_, err = a.Create(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "out.snug"), Options{HashAlgorithm: "rot13"})
	require.Error(t, err)
}
