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

// Package chunks defines the content-addressed chunk store contract
// (C2) shared by every storage backend (fsstore, mirror, and any future
// blobstore-backed implementation), plus the ChunkMetadata side-car
// type and its merge rule. It plays the role the teacher's
// go/store/chunks package plays for noms: the narrow interface that
// nbs, the generational store, and tests all program against.
package chunks

import (
	"context"
	"io"
	"sort"
	"time"
)

// ChunkMetadata is the side-car describing a stored chunk. It is kept
// separate from the chunk bytes so multiple archive entries (and
// multiple archives) can share one copy without rewriting metadata on
// every reference.
type ChunkMetadata struct {
	Size             int64      `json:"size"`
	ContentHash      string     `json:"contentHash"`
	HashAlgorithm    string     `json:"hashAlgorithm"`
	ContentType      string     `json:"contentType,omitempty"`
	ChunkType        string     `json:"chunkType,omitempty"`
	OriginalFilename string     `json:"originalFilename,omitempty"`
	OriginalPaths    []string   `json:"originalPaths,omitempty"`
	Created          *time.Time `json:"created,omitempty"`
	Modified         *time.Time `json:"modified,omitempty"`
	Compression      string     `json:"compression,omitempty"`
}

// Clone returns a deep copy so callers can mutate the result without
// aliasing the receiver's slice/pointer fields.
func (m ChunkMetadata) Clone() ChunkMetadata {
	out := m
	if m.OriginalPaths != nil {
		out.OriginalPaths = append([]string(nil), m.OriginalPaths...)
	}
	if m.Created != nil {
		c := *m.Created
		out.Created = &c
	}
	if m.Modified != nil {
		mm := *m.Modified
		out.Modified = &mm
	}
	return out
}

// MergeMetadata implements the merge rule for a repeat write of the
// same chunk id: union of OriginalPaths, earliest Created, latest
// Modified, first-writer-wins for ContentType/OriginalFilename/
// Compression. existing may be the zero value when this is the chunk's
// first write.
func MergeMetadata(existing, incoming ChunkMetadata) ChunkMetadata {
	merged := existing.Clone()

	if merged.Size == 0 {
		merged.Size = incoming.Size
	}
	if merged.ContentHash == "" {
		merged.ContentHash = incoming.ContentHash
	}
	if merged.HashAlgorithm == "" {
		merged.HashAlgorithm = incoming.HashAlgorithm
	}
	if merged.ContentType == "" {
		merged.ContentType = incoming.ContentType
	}
	if merged.ChunkType == "" {
		merged.ChunkType = incoming.ChunkType
	}
	if merged.OriginalFilename == "" {
		merged.OriginalFilename = incoming.OriginalFilename
	}
	if merged.Compression == "" {
		merged.Compression = incoming.Compression
	}

	merged.OriginalPaths = unionPaths(merged.OriginalPaths, incoming.OriginalPaths)

	merged.Created = earliest(merged.Created, incoming.Created)
	merged.Modified = latest(merged.Modified, incoming.Modified)

	return merged
}

func unionPaths(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, p := range a {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, p := range b {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func earliest(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if b.Before(*a) {
		return b
	}
	return a
}

func latest(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if b.After(*a) {
		return b
	}
	return a
}

// ChunkIdentifier is a chunk's primary key plus its optional metadata,
// returned from enumeration-style operations.
type ChunkIdentifier struct {
	ID       string
	Metadata *ChunkMetadata
}

// ChunkHandle is a random-access handle for streaming a large chunk
// without reading the whole payload into memory.
type ChunkHandle interface {
	// ReadRange reads length bytes starting at offset. Implementations
	// clamp length to the remaining chunk size.
	ReadRange(ctx context.Context, offset, length int64) ([]byte, error)
	Size(ctx context.Context) (int64, error)
	io.Closer
}

// Store is the chunk store capability set (C2). Every backend
// (fsstore.Store, mirror.Store, and any future blobstore-backed
// implementation) implements Store; the archiver, extractor and
// validator depend only on this interface.
type Store interface {
	// Write stores data under id, merging metadata into any existing
	// side-car. Write is idempotent: writing the same
	// id twice (even with different bytes, which the content-addressing
	// invariant says cannot legitimately happen) is a no-op on the
	// second call's bytes.
	Write(ctx context.Context, id string, data []byte, metadata *ChunkMetadata) (string, error)

	// Read returns the full chunk, or (nil, false, nil) if absent.
	Read(ctx context.Context, id string) (data []byte, ok bool, err error)

	// ReadRange returns a partial read. An out-of-range offset returns
	// (nil, false, nil); an over-long length is clamped to the chunk's
	// remaining bytes.
	ReadRange(ctx context.Context, id string, offset, length int64) (data []byte, ok bool, err error)

	Exists(ctx context.Context, id string) (bool, error)

	// Size returns the chunk's byte length, or (0, false, nil) if absent.
	Size(ctx context.Context, id string) (size int64, ok bool, err error)

	Delete(ctx context.Context, id string) error

	// Handle opens a random-access handle, or (nil, false, nil) if the
	// chunk is absent. Callers must Close a non-nil handle.
	Handle(ctx context.Context, id string) (ChunkHandle, bool, error)

	// GetMetadata returns the side-car metadata for id, if any.
	GetMetadata(ctx context.Context, id string) (*ChunkMetadata, bool, error)
}

// BatchSize is the default worker-pool width for the batch helpers
// below.
const BatchSize = 100

// WriteRequest is one item of a WriteBatch call.
type WriteRequest struct {
	ID       string
	Data     []byte
	Metadata *ChunkMetadata
}

// WriteResult is WriteBatch's per-item outcome. Inputs map 1:1 to
// outputs by index; no ordering is implied about when each completed.
type WriteResult struct {
	ID  string
	Err error
}

// WriteBatch is the default batch implementation over Store.Write,
// bounded by batchSize concurrent workers. batchSize<=0 uses
// BatchSize.
func WriteBatch(ctx context.Context, s Store, reqs []WriteRequest, batchSize int) []WriteResult {
	return runBatch(ctx, reqs, batchSize, func(ctx context.Context, r WriteRequest) WriteResult {
		_, err := s.Write(ctx, r.ID, r.Data, r.Metadata)
		return WriteResult{ID: r.ID, Err: err}
	})
}

// ReadResult is ReadBatch's per-item outcome.
type ReadResult struct {
	ID   string
	Data []byte
	Ok   bool
	Err  error
}

// ReadBatch is the default batch implementation over Store.Read.
func ReadBatch(ctx context.Context, s Store, ids []string, batchSize int) []ReadResult {
	return runBatch(ctx, ids, batchSize, func(ctx context.Context, id string) ReadResult {
		data, ok, err := s.Read(ctx, id)
		return ReadResult{ID: id, Data: data, Ok: ok, Err: err}
	})
}

// ExistsResult is ExistsBatch's per-item outcome.
type ExistsResult struct {
	ID     string
	Exists bool
	Err    error
}

// ExistsBatch is the default batch implementation over Store.Exists.
func ExistsBatch(ctx context.Context, s Store, ids []string, batchSize int) []ExistsResult {
	return runBatch(ctx, ids, batchSize, func(ctx context.Context, id string) ExistsResult {
		ok, err := s.Exists(ctx, id)
		return ExistsResult{ID: id, Exists: ok, Err: err}
	})
}

// runBatch fans work out across a bounded worker pool, with at most
// batchSize goroutines in flight and a new one started as soon as one
// finishes (there is no barrier between groups), preserving the caller's input
// order in the returned slice (the ordering guarantee is about the
// slice position, not about completion order between items).
func runBatch[In any, Out any](ctx context.Context, items []In, batchSize int, fn func(context.Context, In) Out) []Out {
	if batchSize <= 0 {
		batchSize = BatchSize
	}
	out := make([]Out, len(items))
	sem := make(chan struct{}, batchSize)
	done := make(chan struct{})
	var pending int

	for i := range items {
		pending++
		sem <- struct{}{}
		go func(i int) {
			defer func() {
				<-sem
				done <- struct{}{}
			}()
			out[i] = fn(ctx, items[i])
		}(i)
	}
	for ; pending > 0; pending-- {
		<-done
	}
	return out
}
