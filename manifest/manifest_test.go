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

package manifest

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dolthub/snug/snugerr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	modified := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New("sha256")
	m.Hashes["abc123"] = HashDefinition{Hash: "abc123", Size: 3, Algorithm: "sha256"}
	m.Entries = []ArchiveEntry{
		{Type: EntryFile, Path: "hello.txt", Hash: "abc123", Size: 3, Modified: &modified},
		{Type: EntryDirectory, Path: "sub", Modified: &modified},
		{Type: EntrySymlink, Path: "link", Target: "hello.txt"},
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, Format, got.Format)
	require.Equal(t, Version, got.Version)
	require.Equal(t, "sha256", got.HashAlgorithm)
	require.Len(t, got.Entries, 3)
	require.Equal(t, "abc123", got.Hashes["abc123"].Hash)
	require.True(t, got.Entries[0].Modified.Equal(modified))
}

func TestParseRejectsWrongFormat(t *testing.T) {
	m := &Manifest{Format: "other", Version: Version}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))

	_, err := Parse(buf.Bytes())
	require.Error(t, err)
	require.True(t, snugerr.Is(err, snugerr.KindInvalidArchive))
}

func TestParseRejectsWrongVersion(t *testing.T) {
	m := &Manifest{Format: Format, Version: 2}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))

	_, err := Parse(buf.Bytes())
	require.Error(t, err)
	require.True(t, snugerr.Is(err, snugerr.KindInvalidArchive))
}

func TestParseRejectsCorruptBytes(t *testing.T) {
	_, err := Parse([]byte("not a zstd stream"))
	require.Error(t, err)
	require.True(t, snugerr.Is(err, snugerr.KindInvalidArchive))
}
