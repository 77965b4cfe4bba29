package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/protocol"
)

type ResolvedKind int

const (
	// ResolvedInline is a block passed through untouched.
	ResolvedInline ResolvedKind = iota
	// ResolvedFile is a file or directory whose content was inlined.
	ResolvedFile
	// ResolvedError is a reference that could not be resolved.
	ResolvedError
)

// Resolved is the outcome for one prompt block.
type Resolved struct {
	Kind    ResolvedKind
	Ref     string
	Path    string
	Content string
	// Message explains an error, or notes that smart search picked a
	// different file than the one named.
	Message string
	Block   protocol.ContentBlock
}

// ContentBlock is the form stored in history and shown to the model.
func (r Resolved) ContentBlock() protocol.ContentBlock {
	switch r.Kind {
	case ResolvedFile:
		return protocol.FileResourceBlock(r.Path, r.Content)
	case ResolvedError:
		return protocol.TextBlock(r.Message)
	default:
		return r.Block
	}
}

// Reader supplies file bodies from somewhere other than the resolver's
// storage, such as an editor holding unsaved buffers. Remote reports
// whether reads currently leave the process; when it is false the
// resolver reads its own storage and keeps using the content cache.
type Reader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Remote() bool
}

// ResolveReferences resolves every file-like block in blocks and passes the
// rest through. Individual failures become ResolvedError entries; the only
// error returned is ctx's.
func (r *Resolver) ResolveReferences(ctx context.Context, blocks []protocol.ContentBlock, cwd string) ([]Resolved, error) {
	return r.ResolveReferencesVia(ctx, nil, blocks, cwd)
}

// ResolveReferencesVia is ResolveReferences with file bodies read through
// files when it is remote. Existence checks and directory walks still use
// the resolver's storage, except that a file missing there but readable
// through files resolves to the remote content.
func (r *Resolver) ResolveReferencesVia(ctx context.Context, files Reader, blocks []protocol.ContentBlock, cwd string) ([]Resolved, error) {
	if files != nil && !files.Remote() {
		files = nil
	}
	out := make([]Resolved, 0, len(blocks))
	for _, b := range blocks {
		if err := ctx.Err(); err != nil {
			return nil, errors.Classify(err)
		}
		ref, ok := fileRef(b)
		if !ok {
			out = append(out, Resolved{Kind: ResolvedInline, Block: b})
			continue
		}
		res := r.resolveOne(ctx, files, ref, cwd)
		if err := ctx.Err(); err != nil {
			return nil, errors.Classify(err)
		}
		res.Block = b
		out = append(out, res)
	}
	return out, nil
}

// fileRef reports the path a block points at, if it is a file reference.
func fileRef(b protocol.ContentBlock) (string, bool) {
	if b.Type != protocol.ContentResourceLink {
		return "", false
	}
	if _, ok := protocol.FilePath(b.URI); !ok {
		return "", false
	}
	return b.URI, true
}

func (r *Resolver) resolveOne(ctx context.Context, files Reader, ref, cwd string) Resolved {
	res, err := r.ResolvePath(ctx, ref, cwd)
	if err == nil {
		return r.load(ctx, files, ref, res)
	}

	rec := errors.Classify(err)
	if rec.Kind != errors.KindPathNotFound || rec.Data == nil || rec.Data.Reason != "" {
		return Resolved{Kind: ResolvedError, Ref: ref, Message: rec.Message}
	}

	abs, rel, cerr := r.confine(ref, cwd)
	if cerr != nil {
		return Resolved{Kind: ResolvedError, Ref: ref, Message: errors.Classify(cerr).Message}
	}
	if files != nil {
		if data, ferr := files.ReadFile(ctx, abs); ferr == nil {
			r.log.Debug().Str("ref", rel).Msg("reference found only through remote reader")
			return Resolved{Kind: ResolvedFile, Ref: ref, Path: abs, Content: renderText(data, r.opts.MaxFileSize)}
		}
	}
	if !r.opts.SmartSearch {
		return Resolved{Kind: ResolvedError, Ref: ref, Message: rec.Message}
	}
	cwd = filepath.Clean(cwd)
	found, serr := r.search(ctx, cwd, rel)
	if serr != nil {
		return Resolved{Kind: ResolvedError, Ref: ref, Message: errors.Classify(serr).Message}
	}
	if found.Best == "" {
		msg := fmt.Sprintf("File not found: %s", rel)
		if len(found.Similar) > 0 {
			msg += ". Similar files: " + strings.Join(found.Similar, ", ")
		}
		return Resolved{Kind: ResolvedError, Ref: ref, Path: abs, Message: msg}
	}

	r.log.Debug().Str("ref", rel).Str("match", found.Best).Msg("smart search resolved reference")
	best := filepath.Join(cwd, filepath.FromSlash(found.Best))
	res, err = r.ResolvePath(ctx, best, cwd)
	if err != nil {
		return Resolved{Kind: ResolvedError, Ref: ref, Message: errors.Classify(err).Message}
	}
	r.paths.Set(cwd+"\x00"+abs, res)
	loaded := r.load(ctx, files, ref, res)
	if loaded.Kind == ResolvedFile {
		loaded.Message = fmt.Sprintf("%s not found, using %s", rel, found.Best)
	}
	return loaded
}

func (r *Resolver) load(ctx context.Context, files Reader, ref string, res Resolution) Resolved {
	if res.IsDir {
		listing, err := r.listDir(ctx, res)
		if err != nil {
			return Resolved{Kind: ResolvedError, Ref: ref, Path: res.Path, Message: errors.Classify(err).Message}
		}
		return Resolved{Kind: ResolvedFile, Ref: ref, Path: res.Path, Content: listing}
	}
	text, err := r.readText(ctx, files, res.Path)
	if err != nil {
		return Resolved{Kind: ResolvedError, Ref: ref, Path: res.Path, Message: errors.Classify(err).Message}
	}
	return Resolved{Kind: ResolvedFile, Ref: ref, Path: res.Path, Content: text}
}

// listDir renders the files matched by a directory's glob, bounded by
// MaxDirEntries.
func (r *Resolver) listDir(ctx context.Context, res Resolution) (string, error) {
	cwd := res.Path
	files, err := r.glob(ctx, cwd, "**/*", r.opts.MaxDirEntries+1)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Directory %s (%s):\n", res.Path, res.Glob)
	for i, f := range files {
		if i == r.opts.MaxDirEntries {
			b.WriteString("... [more files omitted]\n")
			break
		}
		b.WriteString(f)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
