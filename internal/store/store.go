// Package store provides root-confined access to the directory trees the service manages.
package store

import (
	"context"
	"io"
	"io/fs"
	"time"
)

// FileInfo represents file metadata.
type FileInfo struct {
	Path    string // Slash-separated, relative to the store root
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Store abstracts read access to a directory tree and the one write the service performs.
// Every relative path is resolved against the root and rejected if it would leave it.
type Store interface {
	Root() string

	// Read operations
	Read(ctx context.Context, path string) ([]byte, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Stat(ctx context.Context, path string) (fs.FileInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, dir string) ([]FileInfo, error)
	Walk(ctx context.Context, dir string, fn fs.WalkDirFunc) error

	// Install moves a finished file into the tree without replacing an existing one.
	Install(ctx context.Context, src string, path string) error

	// Sub returns a store rooted at an existing directory inside this one.
	Sub(ctx context.Context, dir string) (Store, error)
}
