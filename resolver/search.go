package resolver

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/acpbridge/errors"
)

var errWalkLimit = errors.Sentinel("walk limit reached")

// glob walks cwd in lexical order collecting files that match pattern,
// pruning ignored directories and stopping after limit matches.
func (r *Resolver) glob(ctx context.Context, cwd, pattern string, limit int) ([]string, error) {
	ignore, err := r.ignoreList(ctx, cwd)
	if err != nil {
		return nil, err
	}
	fsys := r.store.DirFS(cwd)
	base, _ := doublestar.SplitPattern(pattern)

	var out []string
	err = fs.WalkDir(fsys, base, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == base {
				return err
			}
			return nil
		}
		if p != "." && ignore.Match(p, d.IsDir()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := doublestar.Match(pattern, p); ok {
			out = append(out, p)
			if limit > 0 && len(out) >= limit {
				return errWalkLimit
			}
		}
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errWalkLimit):
		return out, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	default:
		return out, err
	}
}

// Candidate tiers, best first.
const (
	tierExactBase = iota
	tierDirSegment
	tierPrefix
	tierSubstring
	tierNone
)

// rank orders candidates for ref: exact basename, then same directory
// segment, then stem prefix, then stem substring. Within a tier shorter
// paths come first and remaining ties keep glob order. Candidates sharing
// none of these with ref are dropped.
func rank(ref string, candidates []string) []string {
	refBase := path.Base(ref)
	refStem := stem(refBase)
	refDir := path.Dir(ref)

	tiers := make(map[string]int, len(candidates))
	var ranked []string
	for _, c := range candidates {
		tier := tierOf(c, refBase, refStem, refDir)
		if tier == tierNone {
			continue
		}
		tiers[c] = tier
		ranked = append(ranked, c)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		ti, tj := tiers[ranked[i]], tiers[ranked[j]]
		if ti != tj {
			return ti < tj
		}
		return len(ranked[i]) < len(ranked[j])
	})
	return ranked
}

func tierOf(candidate, refBase, refStem, refDir string) int {
	base := path.Base(candidate)
	s := stem(base)
	dir := path.Dir(candidate)
	switch {
	case base == refBase:
		return tierExactBase
	case refDir != "." && (dir == refDir || strings.HasSuffix(dir, "/"+refDir)):
		return tierDirSegment
	case refStem != "" && s != "" && (strings.HasPrefix(s, refStem) || strings.HasPrefix(refStem, s)):
		return tierPrefix
	case refStem != "" && s != "" && (strings.Contains(s, refStem) || strings.Contains(refStem, s)):
		return tierSubstring
	default:
		return tierNone
	}
}

func stem(base string) string {
	return strings.TrimSuffix(base, path.Ext(base))
}

// searchResult is the outcome of a smart search: either a best match or a
// short list of similarly named files.
type searchResult struct {
	Best    string
	Similar []string
}

// search looks for the file a missing reference most likely meant. rel is
// the reference relative to cwd.
func (r *Resolver) search(ctx context.Context, cwd, rel string) (searchResult, error) {
	rel = filepath.ToSlash(rel)
	base := path.Base(rel)
	ext := path.Ext(base)
	s := stem(base)

	pattern := "**/" + escapeMeta(s) + "*"
	if ext != "" {
		pattern = "**/*" + escapeMeta(ext)
	}
	candidates, err := r.glob(ctx, cwd, pattern, r.opts.MaxSearchResults)
	if err != nil {
		return searchResult{}, err
	}
	if ranked := rank(rel, candidates); len(ranked) > 0 {
		return searchResult{Best: ranked[0]}, nil
	}

	if s == "" {
		return searchResult{}, nil
	}
	prefix := s
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	similar, err := r.glob(ctx, cwd, "**/*"+escapeMeta(prefix)+"*", r.opts.MaxSimilar)
	if err != nil {
		return searchResult{}, err
	}
	return searchResult{Similar: similar}, nil
}

func escapeMeta(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
