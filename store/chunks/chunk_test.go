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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeMetadataMonotonicity(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	t3 := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	existing := ChunkMetadata{
		Size:             3,
		ContentHash:      "abc",
		HashAlgorithm:    "sha256",
		ContentType:      "text/plain",
		OriginalPaths:    []string{"a/hello.txt"},
		Created:          &t2,
		Modified:         &t2,
	}
	incoming := ChunkMetadata{
		Size:             3,
		ContentHash:      "abc",
		HashAlgorithm:    "sha256",
		ContentType:      "text/should-not-win",
		OriginalPaths:    []string{"a/sub/dup.txt"},
		Created:          &t1,
		Modified:         &t3,
	}

	merged := MergeMetadata(existing, incoming)

	assert.ElementsMatch(t, []string{"a/hello.txt", "a/sub/dup.txt"}, merged.OriginalPaths)
	assert.Equal(t, t1, *merged.Created, "created must converge to the earliest value")
	assert.Equal(t, t3, *merged.Modified, "modified must converge to the latest value")
	assert.Equal(t, "text/plain", merged.ContentType, "first writer wins for contentType")

	// Repeat writes never shrink originalPaths.
	again := MergeMetadata(merged, ChunkMetadata{OriginalPaths: []string{"a/hello.txt"}})
	assert.ElementsMatch(t, []string{"a/hello.txt", "a/sub/dup.txt"}, again.OriginalPaths)
}

// fakeStore is a minimal in-memory Store used to exercise the batch
// helpers without pulling in a concrete backend.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string][]byte{}}
}

func (f *fakeStore) Write(_ context.Context, id string, data []byte, _ *ChunkMetadata) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[id]; !ok {
		f.data[id] = append([]byte(nil), data...)
	}
	return id, nil
}

func (f *fakeStore) Read(_ context.Context, id string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.data[id]
	return d, ok, nil
}

func (f *fakeStore) ReadRange(ctx context.Context, id string, offset, length int64) ([]byte, bool, error) {
	d, ok, err := f.Read(ctx, id)
	if !ok || err != nil {
		return nil, ok, err
	}
	if offset < 0 || offset > int64(len(d)) {
		return nil, false, nil
	}
	end := offset + length
	if end > int64(len(d)) {
		end = int64(len(d))
	}
	return d[offset:end], true, nil
}

func (f *fakeStore) Exists(ctx context.Context, id string) (bool, error) {
	_, ok, err := f.Read(ctx, id)
	return ok, err
}

func (f *fakeStore) Size(ctx context.Context, id string) (int64, bool, error) {
	d, ok, err := f.Read(ctx, id)
	return int64(len(d)), ok, err
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, id)
	return nil
}

func (f *fakeStore) Handle(ctx context.Context, id string) (ChunkHandle, bool, error) {
	return nil, false, nil
}

func (f *fakeStore) GetMetadata(ctx context.Context, id string) (*ChunkMetadata, bool, error) {
	return nil, false, nil
}

func TestWriteBatchAndReadBatch(t *testing.T) {
	s := newFakeStore()
	ctx := context.Background()

	var reqs []WriteRequest
	for i := 0; i < 250; i++ {
		reqs = append(reqs, WriteRequest{ID: fmt.Sprintf("id-%d", i), Data: []byte(fmt.Sprintf("data-%d", i))})
	}

	results := WriteBatch(ctx, s, reqs, 8)
	require.Len(t, results, len(reqs))
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, reqs[i].ID, r.ID)
	}

	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	reads := ReadBatch(ctx, s, ids, 0)
	require.Len(t, reads, len(ids))
	for i, r := range reads {
		require.NoError(t, r.Err)
		require.True(t, r.Ok)
		assert.Equal(t, fmt.Sprintf("data-%d", i), string(r.Data))
	}
}

func TestExistsBatch(t *testing.T) {
	s := newFakeStore()
	ctx := context.Background()
	_, err := s.Write(ctx, "present", []byte("x"), nil)
	require.NoError(t, err)

	results := ExistsBatch(ctx, s, []string{"present", "absent"}, 4)
	require.Len(t, results, 2)
	assert.True(t, results[0].Exists)
	assert.False(t, results[1].Exists)
}
