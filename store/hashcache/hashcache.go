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

// Package hashcache is the size-bounded LRU (C6) mapping a source
// file's absolute path to its last-computed hash, keyed for validity
// by (algorithm, size, mtime). It is backed by
// github.com/hashicorp/golang-lru/v2, the same generic LRU the
// teacher's statspro scheduler uses for its own bucket cache, instead
// of a hand-rolled doubly-linked-list + map.
package hashcache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dolthub/snug/snugerr"
)

// DefaultCapacity is the default bound for archive-creation hash
// caches.
const DefaultCapacity = 1_000_000

// mtimeSlop is the tolerance within which two modification times are
// considered equal when validating a cached hash against a file's
// current modification time.
const mtimeSlop = time.Second

// Entry is the persisted/returned cache record.
type Entry struct {
	Path             string    `json:"path"`
	Hash             string    `json:"hash"`
	HashAlgorithm    string    `json:"hashAlgorithm"`
	FileSize         int64     `json:"fileSize"`
	ModificationTime time.Time `json:"modificationTime"`
	CacheTime        time.Time `json:"cacheTime"`
}

// Stats is a snapshot of cache hit/miss/eviction counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// HitRate returns Hits/(Hits+Misses), or 0 when no lookups have happened.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the bounded LRU hash cache.
type Cache struct {
	path     string
	capacity int
	lru      *lru.Cache[string, Entry]

	hits, misses, evictions atomic.Int64

	mu sync.Mutex // guards persistence races between concurrent Save calls
}

// New returns a Cache persisted at path (may be empty for in-memory
// only) with the given capacity. capacity<=0 uses DefaultCapacity.
func New(path string, capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{path: path, capacity: capacity}
	l, err := lru.NewWithEvict[string, Entry](capacity, func(string, Entry) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, snugerr.New(snugerr.KindStorageError, path, "", err)
	}
	c.lru = l
	return c, nil
}

func key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// Lookup returns the cached hash for path if a fresh entry exists for
// the given algorithm/size/mtime. A stale or absent entry is treated
// as a miss; stale entries are evicted.
func (c *Cache) Lookup(path, algorithm string, size int64, mtime time.Time) (string, bool) {
	k := key(path)
	entry, ok := c.lru.Get(k)
	if !ok {
		c.misses.Add(1)
		return "", false
	}
	if entry.HashAlgorithm != algorithm || entry.FileSize != size || !withinSlop(entry.ModificationTime, mtime) {
		c.lru.Remove(k)
		c.misses.Add(1)
		return "", false
	}
	c.hits.Add(1)
	return entry.Hash, true
}

func withinSlop(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= mtimeSlop
}

// Store records path's freshly computed hash, touching it to the head
// of the LRU.
func (c *Cache) Store(path, hashValue, algorithm string, size int64, mtime time.Time) {
	c.lru.Add(key(path), Entry{
		Path:             path,
		Hash:             hashValue,
		HashAlgorithm:    algorithm,
		FileSize:         size,
		ModificationTime: mtime,
		CacheTime:        time.Now(),
	})
}

// Stats returns a snapshot of the cache's hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Evictions: c.evictions.Load()}
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int { return c.lru.Len() }

// Save persists the cache to its configured path as a JSON map keyed
// by path. A Cache constructed with an empty path is a no-op.
func (c *Cache) Save(ctx context.Context) error {
	if c.path == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Entry, c.lru.Len())
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok {
			out[e.Path] = e
		}
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return snugerr.New(snugerr.KindStorageError, c.path, "", err)
	}
	if err := os.WriteFile(c.path, b, 0o644); err != nil {
		return snugerr.New(snugerr.KindStorageError, c.path, "", err)
	}
	return nil
}

// Load reads the cache's persisted JSON map, dropping entries whose
// algorithm does not match algorithm and trimming the rest to the
// cache's capacity, oldest-by-CacheTime first.
func (c *Cache) Load(ctx context.Context, algorithm string) error {
	if c.path == "" {
		return nil
	}
	b, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return snugerr.New(snugerr.KindStorageError, c.path, "", err)
	}

	var stored map[string]Entry
	if err := json.Unmarshal(b, &stored); err != nil {
		return snugerr.New(snugerr.KindStorageError, c.path, "cache file is corrupt", err)
	}

	entries := make([]Entry, 0, len(stored))
	for _, e := range stored {
		if e.HashAlgorithm != algorithm {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CacheTime.Before(entries[j].CacheTime) })

	if len(entries) > c.capacity {
		entries = entries[len(entries)-c.capacity:]
	}
	for _, e := range entries {
		c.lru.Add(key(e.Path), e)
	}
	return nil
}
