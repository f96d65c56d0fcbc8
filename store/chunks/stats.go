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

package chunks

import (
	"context"
	"sync/atomic"
)

// StoreStats is a snapshot of a StatsStore's operation counters, the
// same small-scale idea as the teacher's nbs.Stats struct: per-store
// counters a caller can expose in its own progress UI without the
// store itself knowing anything about UIs.
type StoreStats struct {
	Reads   uint64
	Writes  uint64
	Hits    uint64
	Misses  uint64
	Deletes uint64
}

// StatsStore decorates a Store with read/write/hit/miss counters.
// Every method not overridden below (Exists, Size, Handle,
// GetMetadata, ReadRange) passes straight through via the embedded
// Store, so StatsStore satisfies the Store interface without
// repeating each method.
type StatsStore struct {
	Store

	reads, writes, hits, misses, deletes atomic.Uint64
}

// NewStatsStore wraps s with operation counters.
func NewStatsStore(s Store) *StatsStore {
	return &StatsStore{Store: s}
}

// Write implements Store, counting the call before delegating.
func (s *StatsStore) Write(ctx context.Context, id string, data []byte, metadata *ChunkMetadata) (string, error) {
	s.writes.Add(1)
	return s.Store.Write(ctx, id, data, metadata)
}

// Read implements Store, counting the call and whether it hit.
func (s *StatsStore) Read(ctx context.Context, id string) ([]byte, bool, error) {
	s.reads.Add(1)
	data, ok, err := s.Store.Read(ctx, id)
	if err == nil {
		if ok {
			s.hits.Add(1)
		} else {
			s.misses.Add(1)
		}
	}
	return data, ok, err
}

// Delete implements Store, counting the call before delegating.
func (s *StatsStore) Delete(ctx context.Context, id string) error {
	s.deletes.Add(1)
	return s.Store.Delete(ctx, id)
}

// Stats returns a snapshot of the counters accumulated so far.
func (s *StatsStore) Stats() StoreStats {
	return StoreStats{
		Reads:   s.reads.Load(),
		Writes:  s.writes.Load(),
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Deletes: s.deletes.Load(),
	}
}

var _ Store = (*StatsStore)(nil)
