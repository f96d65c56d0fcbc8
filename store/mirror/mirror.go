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

// Package mirror composes a primary chunks.Store with zero or more
// mirror and glacier tiers (C4). It is Snug's analogue of the
// teacher's GenerationalNBS, which layers an "old" generation beneath
// a "new" one and falls back to the old generation on a miss; here the
// fallback chain is primary -> mirrors -> glaciers, and writes fan out
// to every tier instead of flowing one-directionally.
package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/dolthub/snug/snugerr"
	"github.com/dolthub/snug/store/chunks"
)

var log = logrus.WithField("store", "mirror")

// Config controls how a Store fans writes out and whether a primary
// failure is fatal.
type Config struct {
	Mirrors                  []chunks.Store
	Glaciers                 []chunks.Store
	FailIfPrimaryUnavailable bool
}

// Store composes a primary with mirror and glacier tiers.
type Store struct {
	primary chunks.Store
	cfg     Config
}

// New returns a mirrored Store fronting primary.
func New(primary chunks.Store, cfg Config) *Store {
	return &Store{primary: primary, cfg: cfg}
}

// WriteReport records which mirror/glacier tiers failed on the most
// recent WriteReporting call. Errors here are informational: the
// default Write contract never surfaces them.
type WriteReport struct {
	MirrorErrors  []error
	GlacierErrors []error
}

// mirrorWriteBackoff bounds the retry attempts for a single mirror or
// glacier write before it is logged and swallowed.
func mirrorWriteBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = time.Second
	return b
}

// Write implements chunks.Store. It attempts the primary first; if the
// primary fails and FailIfPrimaryUnavailable is set, the error is
// returned immediately. Otherwise mirrors and glaciers are written
// concurrently and best-effort; failures are logged, never returned.
func (s *Store) Write(ctx context.Context, id string, data []byte, metadata *chunks.ChunkMetadata) (string, error) {
	report, err := s.WriteReporting(ctx, id, data, metadata)
	if err != nil {
		return "", err
	}
	for _, e := range report.MirrorErrors {
		log.WithError(e).WithField("hash", id).Warn("mirror write failed")
	}
	for _, e := range report.GlacierErrors {
		log.WithError(e).WithField("hash", id).Warn("glacier write failed")
	}
	return id, nil
}

// WriteReporting is Write plus visibility into which secondary tiers
// failed.
func (s *Store) WriteReporting(ctx context.Context, id string, data []byte, metadata *chunks.ChunkMetadata) (WriteReport, error) {
	_, err := s.primary.Write(ctx, id, data, metadata)
	if err != nil {
		if s.cfg.FailIfPrimaryUnavailable {
			return WriteReport{}, snugerr.New(snugerr.KindStorageError, id, "primary storage tier is unavailable", err)
		}
		log.WithError(err).WithField("hash", id).Warn("primary write failed, continuing to secondary tiers")
	}

	var wg sync.WaitGroup
	mirrorErrs := make([]error, len(s.cfg.Mirrors))
	for i, m := range s.cfg.Mirrors {
		wg.Add(1)
		go func(i int, m chunks.Store) {
			defer wg.Done()
			mirrorErrs[i] = writeWithRetry(ctx, m, id, data, metadata)
		}(i, m)
	}

	glacierErrs := make([]error, len(s.cfg.Glaciers))
	for i, g := range s.cfg.Glaciers {
		wg.Add(1)
		go func(i int, g chunks.Store) {
			defer wg.Done()
			glacierErrs[i] = writeWithRetry(ctx, g, id, data, metadata)
		}(i, g)
	}
	wg.Wait()

	return WriteReport{
		MirrorErrors:  nonNil(mirrorErrs),
		GlacierErrors: nonNil(glacierErrs),
	}, nil
}

func writeWithRetry(ctx context.Context, store chunks.Store, id string, data []byte, metadata *chunks.ChunkMetadata) error {
	op := func() error {
		_, err := store.Write(ctx, id, data, metadata)
		return err
	}
	return backoff.Retry(op, backoff.WithContext(mirrorWriteBackoff(), ctx))
}

func nonNil(errs []error) []error {
	var out []error
	for _, e := range errs {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// tiers returns every backing store in read-fallback order: primary,
// then mirrors in declared order, then glaciers in declared order.
func (s *Store) tiers() []chunks.Store {
	all := make([]chunks.Store, 0, 1+len(s.cfg.Mirrors)+len(s.cfg.Glaciers))
	all = append(all, s.primary)
	all = append(all, s.cfg.Mirrors...)
	all = append(all, s.cfg.Glaciers...)
	return all
}

// Read implements chunks.Store, trying each tier in fallback order and
// short-circuiting on the first hit.
func (s *Store) Read(ctx context.Context, id string) ([]byte, bool, error) {
	for _, t := range s.tiers() {
		data, ok, err := t.Read(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return data, true, nil
		}
	}
	return nil, false, nil
}

// ReadRange implements chunks.Store with the same fallback order as Read.
func (s *Store) ReadRange(ctx context.Context, id string, offset, length int64) ([]byte, bool, error) {
	for _, t := range s.tiers() {
		data, ok, err := t.ReadRange(ctx, id, offset, length)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return data, true, nil
		}
	}
	return nil, false, nil
}

// Exists implements chunks.Store with the same fallback order as Read.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	for _, t := range s.tiers() {
		ok, err := t.Exists(ctx, id)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Size implements chunks.Store with the same fallback order as Read.
func (s *Store) Size(ctx context.Context, id string) (int64, bool, error) {
	for _, t := range s.tiers() {
		sz, ok, err := t.Size(ctx, id)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return sz, true, nil
		}
	}
	return 0, false, nil
}

// Handle implements chunks.Store with the same fallback order as Read.
func (s *Store) Handle(ctx context.Context, id string) (chunks.ChunkHandle, bool, error) {
	for _, t := range s.tiers() {
		h, ok, err := t.Handle(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return h, true, nil
		}
	}
	return nil, false, nil
}

// GetMetadata implements chunks.Store with the same fallback order as Read.
func (s *Store) GetMetadata(ctx context.Context, id string) (*chunks.ChunkMetadata, bool, error) {
	for _, t := range s.tiers() {
		m, ok, err := t.GetMetadata(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return m, true, nil
		}
	}
	return nil, false, nil
}

// Delete implements chunks.Store: synchronous on the primary (its
// error propagates), best-effort on mirrors, and glaciers are never
// deleted since they are the long-term archival tier.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.primary.Delete(ctx, id); err != nil {
		return err
	}
	for _, m := range s.cfg.Mirrors {
		if err := m.Delete(ctx, id); err != nil {
			log.WithError(err).WithField("hash", id).Warn("mirror delete failed")
		}
	}
	return nil
}

var _ chunks.Store = (*Store)(nil)
