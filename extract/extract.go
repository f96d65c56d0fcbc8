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

// Package extract is the manifest-driven extractor (C10): it walks an
// archive's entries in manifest order, recreating directories and
// symlinks and pulling file bytes back out of a chunks.Store, with
// per-entry error recovery so one missing chunk does not abort the
// whole extraction.
package extract

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dolthub/snug/manifest"
	"github.com/dolthub/snug/snugerr"
	"github.com/dolthub/snug/store/chunks"
)

var log = logrus.WithField("component", "extract")

// Options controls extraction (spec §4.10).
type Options struct {
	Verbose             bool
	PreservePermissions bool
}

// EntryError records one entry's extraction failure; Result.Errors
// accumulates these so the caller sees every failure, not just the
// first.
type EntryError struct {
	Path string
	Err  error
}

// Result is extract's summary (spec §4.10's contract return value).
type Result struct {
	FilesExtracted int
	OutputDir      string
	Errors         []EntryError
}

// Extractor extracts archives against a single chunks.Store.
type Extractor struct {
	store chunks.Store
}

// New returns an Extractor reading chunks from store.
func New(store chunks.Store) *Extractor {
	return &Extractor{store: store}
}

// Extract decodes the manifest at archivePath and reconstructs it under
// outputDir. Per-entry errors are recorded and extraction continues;
// if nothing was extracted and at least one error occurred, the
// aggregate is returned as an error too (callers that want the partial
// Result regardless can ignore the returned error and inspect
// Result.Errors).
func Extract(ctx context.Context, store chunks.Store, archivePath, outputDir string, opts Options) (Result, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, snugerr.New(snugerr.KindArchiveNotFound, archivePath, "", err)
		}
		return Result{}, snugerr.New(snugerr.KindStorageError, archivePath, "", err)
	}
	defer f.Close()

	man, err := manifest.Decode(f)
	if err != nil {
		return Result{}, err
	}

	e := New(store)
	return e.ExtractManifest(ctx, man, outputDir, opts)
}

// ExtractManifest is Extract over an already-parsed manifest, for
// callers that already hold a decoded manifest and don't want to parse
// the archive twice.
func (e *Extractor) ExtractManifest(ctx context.Context, man *manifest.Manifest, outputDir string, opts Options) (Result, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Result{}, snugerr.New(snugerr.KindStorageError, outputDir, "", err)
	}

	result := Result{OutputDir: outputDir}
	for _, entry := range man.Entries {
		if err := validateEntryPath(entry.Path); err != nil {
			result.Errors = append(result.Errors, EntryError{Path: entry.Path, Err: err})
			continue
		}

		var err error
		switch entry.Type {
		case manifest.EntryDirectory:
			err = e.extractDirectory(outputDir, entry, opts)
		case manifest.EntrySymlink:
			err = e.extractSymlink(outputDir, entry)
		case manifest.EntryFile:
			err = e.extractFile(ctx, outputDir, entry, opts)
		default:
			// Special files (block/character devices, sockets, FIFOs) are
			// recognized by the schema but have no portable Go
			// reconstruction; they are skipped rather than failed.
			log.WithField("path", entry.Path).WithField("type", entry.Type).Warn("skipping unsupported entry type")
			continue
		}

		if err != nil {
			result.Errors = append(result.Errors, EntryError{Path: entry.Path, Err: err})
			if opts.Verbose {
				log.WithError(err).WithField("path", entry.Path).Warn("entry extraction failed")
			}
			continue
		}

		if entry.Type == manifest.EntryFile {
			result.FilesExtracted++
		}
		if opts.Verbose {
			log.WithField("path", entry.Path).Info("extracted entry")
		}
	}

	if result.FilesExtracted == 0 && len(result.Errors) > 0 {
		return result, snugerr.New(snugerr.KindExtractionFailed, outputDir, "no entries were successfully extracted", nil)
	}
	return result, nil
}

// validateEntryPath enforces the manifest invariant that a path is
// relative and never contains ".." components, so a malicious or
// corrupt archive cannot write outside outputDir.
func validateEntryPath(path string) error {
	if path == "" {
		return snugerr.New(snugerr.KindInvalidArchive, path, "", nil)
	}
	if filepath.IsAbs(path) {
		return snugerr.New(snugerr.KindInvalidArchive, path, "archive entry paths must be relative", nil)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return snugerr.New(snugerr.KindInvalidArchive, path, "archive entry path escapes the output directory", nil)
		}
	}
	return nil
}

func (e *Extractor) extractDirectory(outputDir string, entry manifest.ArchiveEntry, opts Options) error {
	full := filepath.Join(outputDir, filepath.FromSlash(entry.Path))
	if err := os.MkdirAll(full, 0o755); err != nil {
		return snugerr.New(snugerr.KindExtractionFailed, entry.Path, "", err)
	}
	if opts.PreservePermissions && entry.Permissions != "" {
		if mode, ok := parseMode(entry.Permissions); ok {
			os.Chmod(full, mode)
		}
	}
	return nil
}

func (e *Extractor) extractSymlink(outputDir string, entry manifest.ArchiveEntry) error {
	full := filepath.Join(outputDir, filepath.FromSlash(entry.Path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return snugerr.New(snugerr.KindExtractionFailed, entry.Path, "", err)
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return snugerr.New(snugerr.KindExtractionFailed, entry.Path, "", err)
	}
	if err := os.Symlink(entry.Target, full); err != nil {
		return snugerr.New(snugerr.KindExtractionFailed, entry.Path, "", err)
	}
	return nil
}

func (e *Extractor) extractFile(ctx context.Context, outputDir string, entry manifest.ArchiveEntry, opts Options) error {
	if entry.Embedded {
		return snugerr.WithHash(snugerr.KindEmbeddedFileNotFound, entry.Hash, "embedded payload extraction is not yet supported", nil)
	}

	data, ok, err := e.store.Read(ctx, entry.Hash)
	if err != nil {
		return snugerr.New(snugerr.KindStorageError, entry.Path, "", err)
	}
	if !ok {
		return snugerr.WithHash(snugerr.KindHashNotFound, entry.Hash, "the referenced chunk is missing from the store", nil)
	}

	full := filepath.Join(outputDir, filepath.FromSlash(entry.Path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return snugerr.New(snugerr.KindExtractionFailed, entry.Path, "", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return snugerr.New(snugerr.KindExtractionFailed, entry.Path, "", err)
	}

	if opts.PreservePermissions && entry.Permissions != "" {
		if mode, ok := parseMode(entry.Permissions); ok {
			os.Chmod(full, mode)
		}
	}
	return nil
}

// parseMode parses an octal permission string (e.g. "0755"); invalid
// formats are silently ignored per spec §4.10.
func parseMode(s string) (os.FileMode, bool) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, false
	}
	return os.FileMode(v), true
}
