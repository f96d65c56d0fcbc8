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

// Package snug is the public facade (C12): a single Handle binding the
// chunk store, metadata index and hash cache together behind
// create/extract/validate/list/load-metadata operations. It plays the
// role the teacher's doltdb.DoltDB top-level handle plays for noms: the
// one type application code constructs and holds onto, with every
// lower-level component (chunk store, tiering, caches) wired up behind
// it from a single configuration.
package snug

import (
	"context"
	"os"
	"strings"

	"github.com/dolthub/snug/archiver"
	"github.com/dolthub/snug/config"
	"github.com/dolthub/snug/extract"
	"github.com/dolthub/snug/manifest"
	"github.com/dolthub/snug/snugerr"
	"github.com/dolthub/snug/store/chunks"
	"github.com/dolthub/snug/store/fsstore"
	"github.com/dolthub/snug/store/hash"
	"github.com/dolthub/snug/store/hashcache"
	"github.com/dolthub/snug/store/index"
	"github.com/dolthub/snug/store/mirror"
	"github.com/dolthub/snug/validate"
)

// Options configures a Handle. StorageURL is the single-tier storage
// root used when Config declares no mirroring; only when StorageURL is
// empty does the lowest-priority storage location (or, failing that,
// the default storage directory) serve as that root. When Config calls
// for mirroring, a configured primary location takes precedence over
// StorageURL.
type Options struct {
	StorageURL    string
	HashAlgorithm hash.Algorithm
	Config        config.Config
	IndexPath     string
	CachePath     string
	CacheCapacity int
}

// Handle is Snug's public entry point.
type Handle struct {
	store         *chunks.StatsStore
	index         *index.Index
	cache         *hashcache.Cache
	hashAlgorithm hash.Algorithm
}

// Open builds a Handle from opts, selecting a mirrored chunk store
// (C4) when mirroring is enabled or any glacier/mirror/secondary
// volumes are declared, otherwise a single fsstore (C3) rooted at
// StorageURL (spec §4.12).
func Open(ctx context.Context, opts Options) (*Handle, error) {
	alg := opts.HashAlgorithm
	if alg == "" {
		alg = hash.Algorithm(opts.Config.DefaultHashAlgorithm)
	}
	if alg == "" {
		alg = hash.Default
	}
	if !hash.Valid(alg) {
		return nil, snugerr.New(snugerr.KindUnsupportedHashAlgorithm, string(alg), "use one of sha256, sha1, md5, crc32", nil)
	}

	store, err := buildStore(ctx, opts)
	if err != nil {
		return nil, err
	}

	cache, err := hashcache.New(opts.CachePath, opts.CacheCapacity)
	if err != nil {
		return nil, err
	}
	if err := cache.Load(ctx, string(alg)); err != nil {
		return nil, err
	}

	return &Handle{
		store:         chunks.NewStatsStore(store),
		index:         index.New(opts.IndexPath),
		cache:         cache,
		hashAlgorithm: alg,
	}, nil
}

func buildStore(ctx context.Context, opts Options) (chunks.Store, error) {
	locs := opts.Config.StorageLocations
	needsMirroring := opts.Config.EnableMirroring || len(opts.Config.MirrorLocations) > 0 || hasTier(locs, config.VolumeMirror, config.VolumeSecondary, config.VolumeGlacier)

	if !needsMirroring {
		root := opts.StorageURL
		if root == "" && len(locs) > 0 {
			root = config.SortedByPriority(locs)[0].Path
		}
		if root == "" {
			var err error
			root, err = config.DefaultStorageDir()
			if err != nil {
				return nil, err
			}
		}
		return fsstore.New(root)
	}

	sorted := config.SortedByPriority(locs)
	var primaryLoc *config.StorageLocation
	var mirrors, glaciers []chunks.Store

	for i := range sorted {
		loc := sorted[i]
		switch loc.VolumeType {
		case config.VolumeGlacier:
			s, err := openLocation(ctx, loc.Path)
			if err != nil {
				return nil, err
			}
			glaciers = append(glaciers, s)
		case config.VolumeMirror, config.VolumeSecondary:
			s, err := openLocation(ctx, loc.Path)
			if err != nil {
				return nil, err
			}
			mirrors = append(mirrors, s)
		default:
			if primaryLoc == nil {
				primaryLoc = &sorted[i]
			}
		}
	}

	for _, m := range opts.Config.MirrorLocations {
		s, err := openLocation(ctx, m)
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, s)
	}

	primaryPath := opts.StorageURL
	if primaryLoc != nil {
		primaryPath = primaryLoc.Path
	}
	if primaryPath == "" {
		var err error
		primaryPath, err = config.DefaultStorageDir()
		if err != nil {
			return nil, err
		}
	}
	primary, err := openLocation(ctx, primaryPath)
	if err != nil {
		return nil, err
	}

	return mirror.New(primary, mirror.Config{
		Mirrors:                  mirrors,
		Glaciers:                 glaciers,
		FailIfPrimaryUnavailable: opts.Config.FailIfPrimaryUnavailableOrDefault(),
	}), nil
}

func hasTier(locs []config.StorageLocation, types ...config.VolumeType) bool {
	for _, l := range locs {
		for _, t := range types {
			if l.VolumeType == t {
				return true
			}
		}
	}
	return false
}

// openLocation builds a chunks.Store for path, dispatching to the S3
// tier for "s3://bucket/prefix" locations and to fsstore otherwise.
func openLocation(ctx context.Context, path string) (chunks.Store, error) {
	if rest, ok := strings.CutPrefix(path, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		return mirror.NewS3Store(ctx, bucket, prefix)
	}
	return fsstore.New(path)
}

// CreateArchive implements C12's create operation.
func (h *Handle) CreateArchive(ctx context.Context, source, output string, opts archiver.Options) (archiver.Result, error) {
	if opts.HashAlgorithm == "" {
		opts.HashAlgorithm = h.hashAlgorithm
	}
	a := archiver.New(h.store, h.cache)
	result, err := a.Create(ctx, source, output, opts)
	if err == nil {
		err = h.indexArchive(ctx, output)
	}
	if saveErr := h.cache.Save(ctx); saveErr != nil && err == nil {
		err = saveErr
	}
	return result, err
}

// indexArchive populates the metadata index (C5) with every chunk the
// just-written manifest references, so Handle.Index() is queryable by
// path/size/content-type immediately after create, not just after a
// manual Index.Add call.
func (h *Handle) indexArchive(ctx context.Context, output string) error {
	man, err := h.LoadMetadata(ctx, output)
	if err != nil {
		return err
	}
	for id := range man.Hashes {
		meta, ok, err := h.store.GetMetadata(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := h.index.Add(ctx, id, *meta); err != nil {
			return err
		}
	}
	return nil
}

// ExtractArchive implements C12's extract operation.
func (h *Handle) ExtractArchive(ctx context.Context, archivePath, outputDir string, opts extract.Options) (extract.Result, error) {
	return extract.Extract(ctx, h.store, archivePath, outputDir, opts)
}

// ValidateArchive implements C12's validate operation.
func (h *Handle) ValidateArchive(ctx context.Context, archivePath string) (validate.Result, error) {
	man, err := h.LoadMetadata(ctx, archivePath)
	if err != nil {
		return validate.Result{}, err
	}
	return validate.Validate(ctx, h.store, man)
}

// ArchiveListing is C12's contents() return value: manifest entries
// normalized to path order (see SPEC_FULL.md's supplemented entry
// ordering decision; the manifest itself is written in worker-finish
// order, only this read-side view is sorted).
type ArchiveListing struct {
	HashAlgorithm string
	Entries       []manifest.ArchiveEntry
}

// Contents implements C12's contents() operation.
func (h *Handle) Contents(ctx context.Context, archivePath string) (ArchiveListing, error) {
	man, err := h.LoadMetadata(ctx, archivePath)
	if err != nil {
		return ArchiveListing{}, err
	}
	return ArchiveListing{HashAlgorithm: man.HashAlgorithm, Entries: archiver.SortedEntries(man)}, nil
}

// LoadMetadata implements C12's loadMetadata operation.
func (h *Handle) LoadMetadata(ctx context.Context, archivePath string) (*manifest.Manifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, snugerr.New(snugerr.KindArchiveNotFound, archivePath, "", err)
		}
		return nil, snugerr.New(snugerr.KindStorageError, archivePath, "", err)
	}
	defer f.Close()
	return manifest.Decode(f)
}

// Index returns the handle's metadata index (C5), for callers that want
// to query by path/prefix/size/content-type directly.
func (h *Handle) Index() *index.Index { return h.index }

// CacheStats returns the hash cache's hit/miss/eviction snapshot (C6,
// SPEC_FULL.md's supplemented hash-cache-statistics export).
func (h *Handle) CacheStats() hashcache.Stats { return h.cache.Stats() }

// StoreStats returns the backing chunk store's read/write/hit/miss
// counters (SPEC_FULL.md's supplemented chunk-store Stats snapshot).
func (h *Handle) StoreStats() chunks.StoreStats { return h.store.Stats() }

// Close persists the hash cache and metadata index.
func (h *Handle) Close(ctx context.Context) error {
	if err := h.cache.Save(ctx); err != nil {
		return err
	}
	return h.index.Save(ctx)
}
