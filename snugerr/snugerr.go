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

// Package snugerr defines the error taxonomy shared by every Snug
// component. Errors carry a Kind so callers can branch with errors.As
// without depending on a component's concrete error type.
package snugerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the error taxonomy from the design's error handling
// section. Kinds are not exhaustive failure modes on their own; they
// classify an underlying error for caller dispatch.
type Kind int

const (
	KindUnknown Kind = iota
	KindDirectoryNotFound
	KindNotADirectory
	KindArchiveNotFound
	KindInvalidArchive
	KindStorageError
	KindHashNotFound
	KindExtractionFailed
	KindUnsupportedHashAlgorithm
	KindCompressionFailed
	KindBrokenSymlink
	KindSymlinkCycle
	KindPermissionDenied
	KindEmbeddedFileNotFound
)

func (k Kind) String() string {
	switch k {
	case KindDirectoryNotFound:
		return "DirectoryNotFound"
	case KindNotADirectory:
		return "NotADirectory"
	case KindArchiveNotFound:
		return "ArchiveNotFound"
	case KindInvalidArchive:
		return "InvalidArchive"
	case KindStorageError:
		return "StorageError"
	case KindHashNotFound:
		return "HashNotFound"
	case KindExtractionFailed:
		return "ExtractionFailed"
	case KindUnsupportedHashAlgorithm:
		return "UnsupportedHashAlgorithm"
	case KindCompressionFailed:
		return "CompressionFailed"
	case KindBrokenSymlink:
		return "BrokenSymlink"
	case KindSymlinkCycle:
		return "SymlinkCycle"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindEmbeddedFileNotFound:
		return "EmbeddedFileNotFound"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type every Snug component returns for a
// classified failure. Path and Hash are populated when relevant so the
// message stays actionable without a caller needing to parse text.
type Error struct {
	Kind  Kind
	Path  string
	Hash  string
	Hint  string
	cause error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Path != "" {
		msg += fmt.Sprintf(" %q", e.Path)
	}
	if e.Hash != "" {
		msg += fmt.Sprintf(" (hash %s)", e.Hash)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	if e.Hint != "" {
		msg += ". " + e.Hint
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a classified error, wrapping cause (if any) with a stack
// via pkg/errors so the original call site survives across component
// boundaries.
func New(kind Kind, path, hint string, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Path: path, Hint: hint, cause: cause}
}

// WithHash attaches a hash id to a classified error, used by the
// extractor and validator when a referenced chunk cannot be found.
func WithHash(kind Kind, hash, hint string, cause error) *Error {
	e := New(kind, "", hint, cause)
	e.Hash = hash
	return e
}

// Is reports whether err (or something it wraps) is a *Error of kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
