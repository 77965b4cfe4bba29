// Package storage is the filesystem service used by the resolver, the tools
// and session persistence.
package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/m4xw311/acpbridge/errors"
)

// Storage is the set of filesystem primitives the bridge depends on. Paths
// are absolute.
type Storage interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Stat(ctx context.Context, path string) (fs.FileInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, dir string) ([]fs.DirEntry, error)
	MkdirAll(ctx context.Context, dir string) error
	// DirFS exposes a directory tree for glob walks.
	DirFS(root string) fs.FS
}

// Local is Storage backed by the host filesystem.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// WriteFile writes through a temporary file and renames it into place so
// readers never observe a partial write.
func (l *Local) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	mode := fs.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return errors.Wrapf(err, "failed to write temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "failed to rename %s", tmp)
	}
	return nil
}

func (l *Local) Stat(ctx context.Context, path string) (fs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Stat(path)
}

func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	_, err := l.Stat(ctx, path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (l *Local) List(ctx context.Context, dir string) ([]fs.DirEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadDir(dir)
}

func (l *Local) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

func (l *Local) DirFS(root string) fs.FS {
	return os.DirFS(root)
}
