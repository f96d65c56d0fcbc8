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

// Package index is the in-memory metadata index (C5): secondary
// indexes over a chunk store's metadata by path, path prefix, size
// range, and content type, persisted as a flat JSON map and rebuilt on
// load. The size-range index uses a google/btree ordered tree instead
// of a linear scan, the same structure the teacher's remotestorage
// range-coalescing code (libraries/doltcore/remotestorage/internal/
// ranges) uses for its own ordered-by-key range queries.
package index

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/dolthub/snug/snugerr"
	"github.com/dolthub/snug/store/chunks"
)

// sizeEntry is the btree element ordering chunks by (size, id) so a
// half-open size range query is a single AscendRange call.
type sizeEntry struct {
	size int64
	id   string
}

func lessSizeEntry(a, b sizeEntry) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.id < b.id
}

// Index is the C5 metadata index, gated behind a lazy load: the first
// call to any public method reads the persisted JSON file (if any)
// before serving the request.
type Index struct {
	path string

	mu       sync.RWMutex
	loaded   bool
	byHash   map[string]chunks.ChunkMetadata
	byPath   map[string]map[string]struct{}
	bySize   *btree.BTreeG[sizeEntry]
	byType   map[string]map[string]struct{}
}

// New returns an Index that persists to/from path. path may be empty
// for an in-memory-only index (Save becomes a no-op).
func New(path string) *Index {
	return &Index{
		path:   path,
		byHash: map[string]chunks.ChunkMetadata{},
		byPath: map[string]map[string]struct{}{},
		bySize: btree.NewG(32, lessSizeEntry),
		byType: map[string]map[string]struct{}{},
	}
}

func (idx *Index) ensureLoaded(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.loaded {
		return nil
	}
	idx.loaded = true
	if idx.path == "" {
		return nil
	}
	b, err := os.ReadFile(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return snugerr.New(snugerr.KindStorageError, idx.path, "", err)
	}
	var byHash map[string]chunks.ChunkMetadata
	if err := json.Unmarshal(b, &byHash); err != nil {
		return snugerr.New(snugerr.KindStorageError, idx.path, "index file is corrupt", err)
	}
	for id, meta := range byHash {
		idx.addLocked(id, meta)
	}
	return nil
}

// Get returns the metadata for id, if indexed.
func (idx *Index) Get(ctx context.Context, id string) (chunks.ChunkMetadata, bool, error) {
	if err := idx.ensureLoaded(ctx); err != nil {
		return chunks.ChunkMetadata{}, false, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	m, ok := idx.byHash[id]
	return m, ok, nil
}

// QueryPath returns ids whose metadata records exactly path among
// OriginalPaths or as OriginalFilename (both are indexed in byPath).
func (idx *Index) QueryPath(ctx context.Context, path string) ([]string, error) {
	if err := idx.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return setToSortedSlice(idx.byPath[path]), nil
}

// QueryPathPrefix linearly scans indexed paths for a prefix match.
func (idx *Index) QueryPathPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := idx.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ids := map[string]struct{}{}
	for p, set := range idx.byPath {
		if strings.HasPrefix(p, prefix) {
			for id := range set {
				ids[id] = struct{}{}
			}
		}
	}
	return setToSortedSlice(ids), nil
}

// QuerySizeRange returns ids whose metadata Size falls in [min, max).
func (idx *Index) QuerySizeRange(ctx context.Context, min, max int64) ([]string, error) {
	if err := idx.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var ids []string
	idx.bySize.AscendRange(sizeEntry{size: min}, sizeEntry{size: max}, func(e sizeEntry) bool {
		ids = append(ids, e.id)
		return true
	})
	sort.Strings(ids)
	return ids, nil
}

// QueryContentType returns ids whose metadata ContentType equals t.
func (idx *Index) QueryContentType(ctx context.Context, t string) ([]string, error) {
	if err := idx.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return setToSortedSlice(idx.byType[t]), nil
}

// Add indexes id/metadata, first removing any prior view for id so the
// secondary indexes never carry stale entries for a re-added id.
func (idx *Index) Add(ctx context.Context, id string, metadata chunks.ChunkMetadata) error {
	if err := idx.ensureLoaded(ctx); err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(id)
	idx.addLocked(id, metadata)
	return nil
}

// Remove deletes id from every index.
func (idx *Index) Remove(ctx context.Context, id string) error {
	if err := idx.ensureLoaded(ctx); err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(id)
	return nil
}

func (idx *Index) addLocked(id string, metadata chunks.ChunkMetadata) {
	idx.byHash[id] = metadata

	for _, p := range metadata.OriginalPaths {
		set, ok := idx.byPath[p]
		if !ok {
			set = map[string]struct{}{}
			idx.byPath[p] = set
		}
		set[id] = struct{}{}
	}
	if metadata.OriginalFilename != "" {
		set, ok := idx.byPath[metadata.OriginalFilename]
		if !ok {
			set = map[string]struct{}{}
			idx.byPath[metadata.OriginalFilename] = set
		}
		set[id] = struct{}{}
	}

	idx.bySize.ReplaceOrInsert(sizeEntry{size: metadata.Size, id: id})

	if metadata.ContentType != "" {
		set, ok := idx.byType[metadata.ContentType]
		if !ok {
			set = map[string]struct{}{}
			idx.byType[metadata.ContentType] = set
		}
		set[id] = struct{}{}
	}
}

func (idx *Index) removeLocked(id string) {
	existing, ok := idx.byHash[id]
	if !ok {
		return
	}
	delete(idx.byHash, id)

	for _, p := range existing.OriginalPaths {
		if set, ok := idx.byPath[p]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(idx.byPath, p)
			}
		}
	}
	if existing.OriginalFilename != "" {
		if set, ok := idx.byPath[existing.OriginalFilename]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(idx.byPath, existing.OriginalFilename)
			}
		}
	}

	idx.bySize.Delete(sizeEntry{size: existing.Size, id: id})

	if existing.ContentType != "" {
		if set, ok := idx.byType[existing.ContentType]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(idx.byType, existing.ContentType)
			}
		}
	}
}

// Save persists byHash as JSON; secondary indexes are never persisted
// and are rebuilt from byHash on the next load.
func (idx *Index) Save(ctx context.Context) error {
	if err := idx.ensureLoaded(ctx); err != nil {
		return err
	}
	if idx.path == "" {
		return nil
	}
	idx.mu.RLock()
	out, err := json.MarshalIndent(idx.byHash, "", "  ")
	idx.mu.RUnlock()
	if err != nil {
		return snugerr.New(snugerr.KindStorageError, idx.path, "", err)
	}
	if err := os.WriteFile(idx.path, out, 0o644); err != nil {
		return snugerr.New(snugerr.KindStorageError, idx.path, "", err)
	}
	return nil
}

func setToSortedSlice(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
