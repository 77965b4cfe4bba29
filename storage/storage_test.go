package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalReadWrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewLocal()
	path := filepath.Join(dir, "nested", "a.txt")

	ok, err := s.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.WriteFile(ctx, path, []byte("hello")))
	data, err := s.ReadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	ok, err = s.Exists(ctx, path)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, errors.Is(err, fs.ErrNotExist), "temp file must not linger")

	entries, err := s.List(ctx, filepath.Join(dir, "nested"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name())
}

func TestLocalWritePreservesMode(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh"), 0755))

	require.NoError(t, NewLocal().WriteFile(ctx, path, []byte("#!/bin/sh\necho hi")))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0755), info.Mode().Perm())
}

func TestLocalHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocal().ReadFile(ctx, "/etc/hostname")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDirFS(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"), nil, 0644))

	matches, err := fs.Glob(NewLocal().DirFS(dir), "src/*.go")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/main.go"}, matches)
}
