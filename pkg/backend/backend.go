// Package backend defines the filesystem backend contract used by the
// storage server to persist entity blobs, together with its error taxonomy
// and the concrete local-disk and S3 implementations.
//
// Paths handed to a backend are relative, slash-separated blob paths
// produced by record.ResolvePath. Writes follow a staged-write discipline:
// Put with staged=true writes under a temporary suffix that is invisible to
// readers until MakePermanent atomically renames it into place, so an
// interrupted upload never produces a visible blob.
package backend

import (
	"context"
	"io"
)

// StagedSuffix is appended to a path while a staged write is in flight.
const StagedSuffix = ".temp"

// Backend is the abstract storage contract (one instance per family).
type Backend interface {
	// Get retrieves the file at path as a readable stream. Fails with a
	// NotFound error if the file is absent.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Put streams src to path. When staged is true the data is written
	// under StagedSuffix and not visible at path until MakePermanent.
	Put(ctx context.Context, path string, src io.Reader, staged bool) error

	// MakePermanent atomically renames a staged write to its final path.
	MakePermanent(ctx context.Context, path string) error

	// Unlink removes the file at path. When prune is true, empty parent
	// directories are removed upward until the first non-empty ancestor
	// or the backend root. Callers must only request prune when the
	// containing time bucket can no longer receive writes.
	Unlink(ctx context.Context, path string, prune bool) error

	// FileExists reports whether a file exists at path.
	FileExists(ctx context.Context, path string) (bool, error)

	// Walk lazily enumerates every file in the backend, invoking fn with
	// each directory subpath and the filenames it holds. Returning an
	// error from fn stops the walk.
	Walk(ctx context.Context, fn WalkFunc) error
}

// WalkFunc receives one directory per invocation. subpath is relative to the
// backend root and may be empty for the root itself.
type WalkFunc func(subpath string, files []string) error
