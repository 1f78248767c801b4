package backend

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ltessier/mediastore/internal/logger"
	"github.com/ltessier/mediastore/internal/spool"
)

// LocalBackend stores blobs on a local filesystem rooted at a directory.
type LocalBackend struct {
	root string

	// lastDir memoizes the most recently created directory so sequential
	// puts into the same time bucket skip redundant MkdirAll calls. Races
	// on this field are harmless: the worst case is an extra MkdirAll.
	lastDir string
}

// NewLocalBackend creates a LocalBackend rooted at root, creating the root
// directory if needed.
func NewLocalBackend(root string) (*LocalBackend, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, wrapOSError(root, err)
	}
	return &LocalBackend{root: root}, nil
}

// Root returns the backend's root directory.
func (b *LocalBackend) Root() string {
	return b.root
}

func (b *LocalBackend) abs(path string) string {
	return filepath.Join(b.root, filepath.FromSlash(path))
}

// Get implements Backend.
func (b *LocalBackend) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(b.abs(path))
	if err != nil {
		return nil, wrapOSError(path, err)
	}
	return f, nil
}

// Put implements Backend. The destination directory chain is created on
// demand; creation collisions from concurrent puts are swallowed.
func (b *LocalBackend) Put(ctx context.Context, path string, src io.Reader, staged bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := b.abs(path)
	if staged {
		target += StagedSuffix
	}

	dir := filepath.Dir(target)
	if dir != b.lastDir {
		if err := os.MkdirAll(dir, 0o750); err != nil && !os.IsExist(err) {
			return wrapOSError(path, err)
		}
		b.lastDir = dir
	}

	f, err := os.Create(target)
	if err != nil {
		return wrapOSError(path, err)
	}

	chunk := make([]byte, spool.ChunkSize)
	if _, err := io.CopyBuffer(f, src, chunk); err != nil {
		f.Close()
		if rmErr := os.Remove(target); rmErr != nil {
			logger.Error("unable to remove incomplete file", "path", target, "error", rmErr)
		}
		return wrapOSError(path, err)
	}
	if err := f.Close(); err != nil {
		return wrapOSError(path, err)
	}
	return nil
}

// MakePermanent implements Backend.
func (b *LocalBackend) MakePermanent(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := b.abs(path)
	if err := os.Rename(target+StagedSuffix, target); err != nil {
		return wrapOSError(path, err)
	}
	return nil
}

// Unlink implements Backend.
func (b *LocalBackend) Unlink(ctx context.Context, path string, prune bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(b.abs(path)); err != nil {
		return wrapOSError(path, err)
	}
	if prune {
		b.pruneUpward(filepath.Dir(filepath.FromSlash(path)))
	}
	return nil
}

// pruneUpward removes empty ancestor directories of a just-unlinked file,
// stopping at the first non-empty ancestor or the backend root. Failures are
// logged and abandon the climb; a racing write making a directory non-empty
// is the expected stop condition.
func (b *LocalBackend) pruneUpward(dir string) {
	for dir != "." && dir != string(filepath.Separator) && dir != "" {
		abs := filepath.Join(b.root, dir)
		entries, err := os.ReadDir(abs)
		if err != nil || len(entries) > 0 {
			return
		}
		logger.Info("removing empty bucket directory", "path", abs)
		if err := os.Remove(abs); err != nil {
			logger.Info("bucket directory unexpectedly non-empty", "path", abs)
			return
		}
		dir = filepath.Dir(dir)
	}
}

// FileExists implements Backend.
func (b *LocalBackend) FileExists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(b.abs(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, wrapOSError(path, err)
}

// Walk implements Backend.
func (b *LocalBackend) Walk(ctx context.Context, fn WalkFunc) error {
	return filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return wrapOSError(p, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return wrapOSError(p, err)
		}
		var files []string
		for _, e := range entries {
			if !e.IsDir() {
				files = append(files, e.Name())
			}
		}
		if len(files) == 0 {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			rel = ""
		}
		return fn(filepath.ToSlash(rel), files)
	})
}
