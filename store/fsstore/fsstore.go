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

// Package fsstore is the concrete, single-tier chunk store (C3): a
// two-level sharded directory layout under a base directory, with a
// JSON side-car ".meta" file per chunk. It plays the role the
// teacher's go/store/nbs file-table persister plays for noms tables,
// adapted from "append-only content-addressed tables" to "one file per
// content-addressed chunk."
package fsstore

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dolthub/fslock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dolthub/snug/snugerr"
	"github.com/dolthub/snug/store/chunks"
)

const metaSuffix = ".meta"

var log = logrus.WithField("store", "fsstore")

// Store is a filesystem-backed chunks.Store rooted at a base
// directory. It is safe for concurrent use from multiple goroutines;
// metadata merges for a given id are additionally serialized across
// processes with an fslock file so two snug processes sharing a
// storage directory cannot tear a ".meta" write.
type Store struct {
	baseDir string

	idMu   sync.Mutex
	idLock map[string]*sync.Mutex
}

// New returns a Store rooted at baseDir, creating the directory if it
// does not already exist.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, snugerr.New(snugerr.KindStorageError, baseDir, "check permissions on the storage directory", err)
	}
	return &Store{baseDir: baseDir, idLock: make(map[string]*sync.Mutex)}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string { return s.baseDir }

// shardPath maps a chunk id to baseDir/<id[0:2]>/<id[2:4]>/<id>,
// degrading to fewer shard levels for short ids.
func (s *Store) shardPath(id string) string {
	switch {
	case len(id) >= 4:
		return filepath.Join(s.baseDir, id[0:2], id[2:4], id)
	case len(id) >= 2:
		return filepath.Join(s.baseDir, id[0:2], id)
	default:
		return filepath.Join(s.baseDir, id)
	}
}

func metaPath(dataPath string) string { return dataPath + metaSuffix }

func (s *Store) lockFor(id string) *sync.Mutex {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	m, ok := s.idLock[id]
	if !ok {
		m = &sync.Mutex{}
		s.idLock[id] = m
	}
	return m
}

// Write implements chunks.Store. Step 1: create intermediate
// directories idempotently. Step 2: write the chunk iff it does not
// already exist (dedup). Step 3: if metadata is supplied, merge it
// into any existing side-car and write atomically.
func (s *Store) Write(ctx context.Context, id string, data []byte, metadata *chunks.ChunkMetadata) (string, error) {
	dataPath := s.shardPath(id)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return "", snugerr.New(snugerr.KindStorageError, dataPath, "check permissions on the storage directory", err)
	}

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Stat(dataPath); err != nil {
		if !os.IsNotExist(err) {
			return "", snugerr.New(snugerr.KindStorageError, dataPath, "", err)
		}
		if err := writeAtomic(dataPath, data); err != nil {
			return "", snugerr.New(snugerr.KindStorageError, dataPath, "", err)
		}
		log.WithField("hash", id).Debug("wrote new chunk")
	}

	if metadata != nil {
		if err := s.mergeMetadata(dataPath, *metadata); err != nil {
			return "", err
		}
	}

	return id, nil
}

// mergeMetadata guards the read-merge-write of a chunk's ".meta" file
// with a cross-process fslock, so two processes racing a write of the
// same id cannot interleave a torn read/write.
func (s *Store) mergeMetadata(dataPath string, incoming chunks.ChunkMetadata) error {
	mp := metaPath(dataPath)
	lockPath := mp + ".lock"

	lock := fslock.New(lockPath)
	if err := lock.Lock(); err != nil {
		return snugerr.New(snugerr.KindStorageError, mp, "another process may be holding the metadata lock", err)
	}
	defer lock.Unlock()

	var existing chunks.ChunkMetadata
	if b, err := os.ReadFile(mp); err == nil {
		if jerr := json.Unmarshal(b, &existing); jerr != nil {
			return snugerr.New(snugerr.KindStorageError, mp, "existing .meta file is corrupt", jerr)
		}
	} else if !os.IsNotExist(err) {
		return snugerr.New(snugerr.KindStorageError, mp, "", err)
	}

	merged := chunks.MergeMetadata(existing, incoming)
	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return snugerr.New(snugerr.KindStorageError, mp, "", err)
	}
	if err := writeAtomic(mp, out); err != nil {
		return snugerr.New(snugerr.KindStorageError, mp, "", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Read implements chunks.Store.
func (s *Store) Read(ctx context.Context, id string) ([]byte, bool, error) {
	b, err := os.ReadFile(s.shardPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, snugerr.New(snugerr.KindStorageError, id, "", err)
	}
	return b, true, nil
}

// ReadRange implements chunks.Store, clamping length to the remaining
// chunk size and returning (nil, false, nil) for an out-of-range
// offset.
func (s *Store) ReadRange(ctx context.Context, id string, offset, length int64) ([]byte, bool, error) {
	f, err := os.Open(s.shardPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, snugerr.New(snugerr.KindStorageError, id, "", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, snugerr.New(snugerr.KindStorageError, id, "", err)
	}
	if offset < 0 || offset > info.Size() {
		return nil, false, nil
	}
	remaining := info.Size() - offset
	if length > remaining {
		length = remaining
	}

	buf := make([]byte, length)
	if length > 0 {
		if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
			return nil, false, snugerr.New(snugerr.KindStorageError, id, "", err)
		}
	}
	return buf, true, nil
}

// Exists implements chunks.Store.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := os.Stat(s.shardPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, snugerr.New(snugerr.KindStorageError, id, "", err)
	}
	return true, nil
}

// Size implements chunks.Store.
func (s *Store) Size(ctx context.Context, id string) (int64, bool, error) {
	info, err := os.Stat(s.shardPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, snugerr.New(snugerr.KindStorageError, id, "", err)
	}
	return info.Size(), true, nil
}

// Delete implements chunks.Store. Delete is idempotent end-to-end:
// removing a chunk or side-car that is already absent is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	dataPath := s.shardPath(id)
	if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		return snugerr.New(snugerr.KindStorageError, dataPath, "", err)
	}
	if err := os.Remove(metaPath(dataPath)); err != nil && !os.IsNotExist(err) {
		return snugerr.New(snugerr.KindStorageError, metaPath(dataPath), "", err)
	}
	return nil
}

// handle is a ChunkHandle over an open *os.File.
type handle struct {
	f *os.File
}

func (h *handle) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	info, err := h.f.Stat()
	if err != nil {
		return nil, err
	}
	remaining := info.Size() - offset
	if remaining < 0 {
		remaining = 0
	}
	if length > remaining {
		length = remaining
	}
	buf := make([]byte, length)
	if length > 0 {
		if _, err := h.f.ReadAt(buf, offset); err != nil && err != io.EOF {
			return nil, err
		}
	}
	return buf, nil
}

func (h *handle) Size(ctx context.Context) (int64, error) {
	info, err := h.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (h *handle) Close() error { return h.f.Close() }

// Handle implements chunks.Store.
func (s *Store) Handle(ctx context.Context, id string) (chunks.ChunkHandle, bool, error) {
	f, err := os.Open(s.shardPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, snugerr.New(snugerr.KindStorageError, id, "", err)
	}
	return &handle{f: f}, true, nil
}

// GetMetadata implements chunks.Store.
func (s *Store) GetMetadata(ctx context.Context, id string) (*chunks.ChunkMetadata, bool, error) {
	b, err := os.ReadFile(metaPath(s.shardPath(id)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, snugerr.New(snugerr.KindStorageError, id, "", err)
	}
	var m chunks.ChunkMetadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, false, errors.Wrapf(err, "corrupt metadata for chunk %s", id)
	}
	return &m, true, nil
}

var _ chunks.Store = (*Store)(nil)
