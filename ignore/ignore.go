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

// Package ignore is the archiver's path filter (C7). Snug reuses
// go-git's gitignore pattern parser and matcher instead of hand-rolling
// glob/prefix/negation logic; go-git is already a direct teacher
// dependency (the dolt remote backend shells out to it for some
// clone/fetch paths) and its gitignore package implements exactly the
// "last matching pattern wins, negation flips it" semantics spec §4.7
// calls for.
package ignore

import (
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// Matcher tests relative archive paths against an ordered list of
// gitignore-syntax patterns.
type Matcher struct {
	patterns []gitignore.Pattern
}

// New compiles lines (one pattern per line; blank lines and lines
// starting with '#' are ignored, matching gitignore's own comment
// syntax) into a Matcher.
func New(lines []string) *Matcher {
	m := &Matcher{}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		m.patterns = append(m.patterns, gitignore.ParsePattern(line, nil))
	}
	return m
}

// Match reports whether relPath (forward-slash separated, relative to
// the archive source root) should be excluded. Patterns are tested in
// order; the last matching pattern decides, and a negated ("!") match
// flips an earlier exclusion back to inclusion.
func (m *Matcher) Match(relPath string, isDir bool) bool {
	if m == nil || len(m.patterns) == 0 {
		return false
	}
	parts := strings.Split(relPath, "/")

	excluded := false
	for _, p := range m.patterns {
		switch p.Match(parts, isDir) {
		case gitignore.Exclude:
			excluded = true
		case gitignore.Include:
			excluded = false
		}
	}
	return excluded
}
