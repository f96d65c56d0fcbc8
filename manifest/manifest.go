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

// Package manifest defines the archive manifest schema (part of the
// data model in spec §3) and the codec that turns it into the single
// compressed file an archive is on disk (C9's decode half lives here
// too, alongside the encode half the archiver needs). The manifest
// plays the role the teacher's store/nbs table manifest plays for a
// noms database: a declarative index of everything the store holds,
// except Snug's is a whole-archive snapshot rather than an
// incrementally-appended table list, and it is compressed with
// dolthub/gozstd rather than read uncompressed off disk.
package manifest

import (
	"encoding/json"
	"io"
	"time"

	"github.com/dolthub/gozstd"
	"github.com/pkg/errors"

	"github.com/dolthub/snug/snugerr"
)

// Format and Version identify the manifest schema. Parse rejects any
// archive whose header does not match both exactly.
const (
	Format         = "snug"
	Version        = 1
	minDecompBytes = 1 << 20 // 1 MiB, per §6's decompression buffer floor
)

// EntryType enumerates the kinds of filesystem object an ArchiveEntry
// can describe.
type EntryType string

const (
	EntryFile             EntryType = "file"
	EntryDirectory        EntryType = "directory"
	EntrySymlink          EntryType = "symlink"
	EntryBlockDevice      EntryType = "block-device"
	EntryCharacterDevice  EntryType = "character-device"
	EntrySocket           EntryType = "socket"
	EntryFIFO             EntryType = "fifo"
)

// HashDefinition is the per-hash inventory entry keyed by hash in
// Manifest.Hashes.
type HashDefinition struct {
	Hash      string `json:"hash"`
	Size      int64  `json:"size"`
	Algorithm string `json:"algorithm,omitempty"`
}

// ArchiveEntry is one path's worth of metadata in the manifest. Not
// every field is populated for every EntryType; see the invariants in
// spec §3.
type ArchiveEntry struct {
	Type           EntryType  `json:"type"`
	Path           string     `json:"path"`
	Hash           string     `json:"hash,omitempty"`
	Size           int64      `json:"size,omitempty"`
	Target         string     `json:"target,omitempty"`
	Permissions    string     `json:"permissions,omitempty"`
	Owner          string     `json:"owner,omitempty"`
	Group          string     `json:"group,omitempty"`
	Modified       *time.Time `json:"modified,omitempty"`
	Created        *time.Time `json:"created,omitempty"`
	Embedded       bool       `json:"embedded,omitempty"`
	EmbeddedOffset int64      `json:"embeddedOffset,omitempty"`
}

// MetadataTemplate carries archive-wide defaults the archiver chooses
// not to repeat on every entry. It is currently a free-form string map;
// archivers that want typed fields can still round-trip through it.
type MetadataTemplate map[string]string

// Manifest is the declarative document inside an archive file (the
// ArchiveManifest of spec §3's data model).
type Manifest struct {
	Format                string                    `json:"format"`
	Version               int                       `json:"version"`
	HashAlgorithm          string                    `json:"hashAlgorithm"`
	Hashes                 map[string]HashDefinition `json:"hashes,omitempty"`
	Metadata               MetadataTemplate          `json:"metadata,omitempty"`
	Entries                []ArchiveEntry            `json:"entries"`
	EmbeddedFilesCount     int                       `json:"embeddedFilesCount,omitempty"`
	EmbeddedSectionOffset  int64                     `json:"embeddedSectionOffset,omitempty"`
}

// New returns an empty manifest stamped with the current format and
// version and the given hash algorithm.
func New(hashAlgorithm string) *Manifest {
	return &Manifest{
		Format:        Format,
		Version:       Version,
		HashAlgorithm: hashAlgorithm,
		Hashes:        map[string]HashDefinition{},
	}
}

// Encode serializes m to JSON and writes its zstd-compressed bytes to
// w. This is the write half of C9 (the archiver's manifest-emission
// step); decoding is Parse/Decode below.
func Encode(w io.Writer, m *Manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return snugerr.New(snugerr.KindCompressionFailed, "", "", errors.Wrap(err, "encoding manifest"))
	}
	compressed := gozstd.Compress(nil, raw)
	if _, err := w.Write(compressed); err != nil {
		return snugerr.New(snugerr.KindCompressionFailed, "", "", errors.Wrap(err, "writing compressed manifest"))
	}
	return nil
}

// Decode decompresses and unmarshals archive bytes read from r into a
// Manifest, rejecting anything whose format/version header does not
// match exactly (C9).
func Decode(r io.Reader) (*Manifest, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, snugerr.New(snugerr.KindArchiveNotFound, "", "", err)
	}
	return Parse(compressed)
}

// Parse is Decode over an already-read byte slice, exposed separately
// because callers that already have the archive in memory (tests, for
// example) shouldn't have to wrap it in a Reader.
func Parse(compressed []byte) (*Manifest, error) {
	bufSize := 4 * len(compressed)
	if bufSize < minDecompBytes {
		bufSize = minDecompBytes
	}
	raw, err := decompressGrowing(compressed, bufSize)
	if err != nil {
		return nil, snugerr.New(snugerr.KindInvalidArchive, "", "archive is corrupt or not a snug archive", err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, snugerr.New(snugerr.KindInvalidArchive, "", "archive manifest does not match the expected schema", err)
	}
	if m.Format != Format {
		return nil, snugerr.New(snugerr.KindInvalidArchive, "", "unrecognized archive format", errors.Errorf("format %q", m.Format))
	}
	if m.Version != Version {
		return nil, snugerr.New(snugerr.KindInvalidArchive, "", "archive was written by an incompatible version", errors.Errorf("version %d", m.Version))
	}
	return &m, nil
}

// decompressGrowing decompresses compressed into a buffer whose initial
// capacity is initialCap. It makes a single gozstd.Decompress call;
// gozstd.Decompress itself grows dst when the output does not fit, so
// the initial capacity only saves reallocations for typical sizes.
func decompressGrowing(compressed []byte, initialCap int) ([]byte, error) {
	dst := make([]byte, 0, initialCap)
	return gozstd.Decompress(dst, compressed)
}
