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

// Package validate is the validator (C11): a pure read-only check that
// every chunk a manifest's file entries reference actually exists in
// the backing store.
package validate

import (
	"context"
	"sort"

	"github.com/dolthub/snug/manifest"
	"github.com/dolthub/snug/store/chunks"
)

// Result is validate's summary (spec §4.11's contract return value).
type Result struct {
	AllExist      bool
	Total         int
	Found         int
	Missing       int
	MissingHashes []string
}

// Validate iterates man's file entries (those with a non-empty Hash)
// and calls store.Exists for each, accumulating a Result. Embedded
// entries are not checked against the store since their payload lives
// in the archive file itself.
func Validate(ctx context.Context, store chunks.Store, man *manifest.Manifest) (Result, error) {
	var result Result
	missing := map[string]struct{}{}

	for _, entry := range man.Entries {
		if entry.Type != manifest.EntryFile || entry.Hash == "" || entry.Embedded {
			continue
		}
		result.Total++

		exists, err := store.Exists(ctx, entry.Hash)
		if err != nil {
			return Result{}, err
		}
		if exists {
			result.Found++
		} else {
			missing[entry.Hash] = struct{}{}
		}
	}

	result.Missing = len(missing)
	result.AllExist = result.Missing == 0
	for h := range missing {
		result.MissingHashes = append(result.MissingHashes, h)
	}
	sort.Strings(result.MissingHashes)
	return result, nil
}
