// Package resolver turns file references in prompts into file content,
// confined to the session's working directory.
package resolver

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/m4xw311/acpbridge/cache"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/logging"
	"github.com/m4xw311/acpbridge/protocol"
	"github.com/m4xw311/acpbridge/storage"
	"github.com/rs/zerolog"
)

type Options struct {
	// SmartSearch enables fuzzy lookup when a reference does not exist.
	SmartSearch bool
	// RespectIgnore adds the working directory's .gitignore to the built-in
	// ignore list.
	RespectIgnore bool

	MaxFileSize      int
	MaxSearchResults int
	MaxDirEntries    int
	MaxSimilar       int

	CacheSize int
	CacheTTL  time.Duration
	IgnoreTTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		SmartSearch:      true,
		RespectIgnore:    true,
		MaxFileSize:      50000,
		MaxSearchResults: 200,
		MaxDirEntries:    200,
		MaxSimilar:       5,
		CacheSize:        512,
		CacheTTL:         5 * time.Minute,
		IgnoreTTL:        30 * time.Second,
	}
}

// Resolution is where a reference points. Directories carry a recursive
// glob over their contents.
type Resolution struct {
	Path  string
	IsDir bool
	Glob  string
}

type fileContent struct {
	size    int64
	modTime time.Time
	text    string
}

// Resolver is safe for concurrent use by every session.
type Resolver struct {
	store storage.Storage
	opts  Options
	log   zerolog.Logger

	paths    *cache.Cache[string, Resolution]
	contents *cache.Cache[string, fileContent]
	ignores  *cache.Cache[string, *ignoreList]
}

func New(store storage.Storage, opts Options) *Resolver {
	d := DefaultOptions()
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = d.MaxFileSize
	}
	if opts.MaxSearchResults <= 0 {
		opts.MaxSearchResults = d.MaxSearchResults
	}
	if opts.MaxDirEntries <= 0 {
		opts.MaxDirEntries = d.MaxDirEntries
	}
	if opts.MaxSimilar <= 0 {
		opts.MaxSimilar = d.MaxSimilar
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = d.CacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = d.CacheTTL
	}
	if opts.IgnoreTTL <= 0 {
		opts.IgnoreTTL = d.IgnoreTTL
	}
	return &Resolver{
		store:    store,
		opts:     opts,
		log:      logging.Component("resolver"),
		paths:    cache.New[string, Resolution](opts.CacheSize, opts.CacheTTL),
		contents: cache.New[string, fileContent](opts.CacheSize, opts.CacheTTL),
		ignores:  cache.New[string, *ignoreList](64, opts.IgnoreTTL),
	}
}

// Clear drops every cached resolution, file body and ignore list.
func (r *Resolver) Clear() {
	r.paths.Clear()
	r.contents.Clear()
	r.ignores.Clear()
}

// CacheStats reports lookups on the resolution and file content caches.
func (r *Resolver) CacheStats() (paths, contents cache.Stats) {
	return r.paths.Stats(), r.contents.Stats()
}

// ResolvePath resolves ref against cwd. References that escape cwd are
// rejected before the filesystem is touched, as is everything when ctx is
// already done.
func (r *Resolver) ResolvePath(ctx context.Context, ref, cwd string) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, errors.Classify(err)
	}
	abs, rel, err := r.confine(ref, cwd)
	if err != nil {
		return Resolution{}, err
	}
	cwd = filepath.Clean(cwd)

	key := cwd + "\x00" + abs
	if res, ok := r.paths.Get(key); ok {
		return res, nil
	}

	if rel != "." {
		ignore, err := r.ignoreList(ctx, cwd)
		if err != nil {
			return Resolution{}, errors.Classify(err)
		}
		if ignore.MatchPath(filepath.ToSlash(rel)) {
			return Resolution{}, errors.PathNotFound(abs).WithReason(errors.ReasonIgnored)
		}
	}

	info, err := r.store.Stat(ctx, abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Resolution{}, errors.PathNotFound(abs)
		}
		return Resolution{}, errors.Classify(err)
	}

	res := Resolution{Path: abs, IsDir: info.IsDir()}
	if res.IsDir {
		res.Glob = filepath.ToSlash(abs) + "/**/*"
	}
	r.paths.Set(key, res)
	return res, nil
}

// confine normalises ref to an absolute path and its form relative to cwd,
// rejecting anything outside cwd.
func (r *Resolver) confine(ref, cwd string) (abs, rel string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", errors.InvalidParams("empty file reference")
	}
	if cwd == "" || !filepath.IsAbs(cwd) {
		return "", "", errors.InvalidParams("working directory must be an absolute path: %q", cwd)
	}
	p, ok := protocol.FilePath(ref)
	if !ok {
		return "", "", errors.InvalidParams("unsupported reference: %s", ref)
	}
	cwd = filepath.Clean(cwd)
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Join(cwd, p)
	}
	rel, err = filepath.Rel(cwd, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", errors.OutsideProject(ref)
	}
	return abs, rel, nil
}

// readText returns a file's text, capped at MaxFileSize. Cached bodies are
// reused while the file's size and modification time are unchanged. Remote
// reads bypass the cache since the disk metadata says nothing about them.
func (r *Resolver) readText(ctx context.Context, files Reader, path string) (string, error) {
	if files != nil {
		data, err := files.ReadFile(ctx, path)
		if err != nil {
			return "", err
		}
		return renderText(data, r.opts.MaxFileSize), nil
	}
	info, err := r.store.Stat(ctx, path)
	if err != nil {
		return "", err
	}
	if c, ok := r.contents.Get(path); ok && c.size == info.Size() && c.modTime.Equal(info.ModTime()) {
		return c.text, nil
	}
	data, err := r.store.ReadFile(ctx, path)
	if err != nil {
		return "", err
	}
	text := renderText(data, r.opts.MaxFileSize)
	r.contents.Set(path, fileContent{size: info.Size(), modTime: info.ModTime(), text: text})
	return text, nil
}

func renderText(data []byte, max int) string {
	probe := data
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	for _, b := range probe {
		if b == 0 {
			return "[binary file omitted]"
		}
	}
	if len(data) > max {
		return string(data[:max]) + "\n... [truncated]"
	}
	return string(data)
}
