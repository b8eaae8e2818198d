/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobhandlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathOutsideRoot is returned when a payload path points outside of the storage root.
var ErrPathOutsideRoot = errors.New("path is outside of the storage root")

// StorageRoot confines file operations of handlers to a single directory.
type StorageRoot struct {
	dir string
}

// NewStorageRoot creates a StorageRoot for the existing directory.
func NewStorageRoot(dir string) (*StorageRoot, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if absDir, err = filepath.EvalSymlinks(absDir); err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	fi, err := os.Stat(absDir)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("storage root %q is not a directory", dir)
	}
	return &StorageRoot{dir: absDir}, nil
}

// Dir returns the absolute path of the root.
func (r *StorageRoot) Dir() string {
	return r.dir
}

// Resolve turns a relative path into an absolute one inside the root.
// Symlinks of the existing part of the path are followed and must not lead outside either.
func (r *StorageRoot) Resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathOutsideRoot)
	}
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%w: %q is absolute", ErrPathOutsideRoot, relPath)
	}
	full := filepath.Join(r.dir, relPath)
	if !r.contains(full) {
		return "", fmt.Errorf("%w: %q", ErrPathOutsideRoot, relPath)
	}
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return full, nil
		}
		return "", err
	}
	if !r.contains(resolved) {
		return "", fmt.Errorf("%w: %q", ErrPathOutsideRoot, relPath)
	}
	return resolved, nil
}

// Rel returns the path relative to the root.
func (r *StorageRoot) Rel(fullPath string) string {
	rel, err := filepath.Rel(r.dir, fullPath)
	if err != nil {
		return fullPath
	}
	return filepath.ToSlash(rel)
}

func (r *StorageRoot) contains(path string) bool {
	rel, err := filepath.Rel(r.dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
