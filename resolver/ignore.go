package resolver

import (
	"bufio"
	"bytes"
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/acpbridge/errors"
)

// DefaultIgnores are skipped whether or not an ignore file exists.
var DefaultIgnores = []string{".git/", ".compell/", ".svn/", ".hg/", "node_modules/", "vendor/", "__pycache__/", ".venv/"}

type ignoreRule struct {
	pattern string
	dirOnly bool
}

// ignoreList is a parsed set of gitignore-style rules, matched with
// doublestar against slash-separated paths relative to the project root.
// Negations are not supported and are skipped.
type ignoreList struct {
	rules []ignoreRule
}

func parseIgnore(lines []string) *ignoreList {
	l := &ignoreList{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		rule := ignoreRule{}
		if strings.HasSuffix(line, "/") {
			rule.dirOnly = true
			line = strings.TrimRight(line, "/")
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") || strings.Contains(line, "/") {
			rule.pattern = strings.TrimPrefix(line, "/")
		} else {
			rule.pattern = "**/" + line
		}
		if !doublestar.ValidatePattern(rule.pattern) {
			continue
		}
		l.rules = append(l.rules, rule)
	}
	return l
}

// Match reports whether rel itself is ignored.
func (l *ignoreList) Match(rel string, isDir bool) bool {
	for _, rule := range l.rules {
		if rule.dirOnly && !isDir {
			continue
		}
		if ok, _ := doublestar.Match(rule.pattern, rel); ok {
			return true
		}
	}
	return false
}

// MatchPath reports whether rel or any of its parent directories is
// ignored.
func (l *ignoreList) MatchPath(rel string) bool {
	rel = strings.Trim(path.Clean(rel), "/")
	if rel == "." || rel == "" {
		return false
	}
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if l.Match(strings.Join(parts[:i], "/"), true) {
			return true
		}
	}
	// the leaf may be a file or a directory
	return l.Match(rel, false) || l.Match(rel, true)
}

// ignoreList returns the cached rules for cwd, reading .gitignore when
// enabled.
func (r *Resolver) ignoreList(ctx context.Context, cwd string) (*ignoreList, error) {
	if l, ok := r.ignores.Get(cwd); ok {
		return l, nil
	}
	lines := append([]string(nil), DefaultIgnores...)
	if r.opts.RespectIgnore {
		data, err := r.store.ReadFile(ctx, filepath.Join(cwd, ".gitignore"))
		switch {
		case err == nil:
			sc := bufio.NewScanner(bytes.NewReader(data))
			for sc.Scan() {
				lines = append(lines, sc.Text())
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			if ctx.Err() != nil {
				return nil, err
			}
			r.log.Warn().Err(err).Str("cwd", cwd).Msg("could not read .gitignore")
		}
	}
	l := parseIgnore(lines)
	r.ignores.Set(cwd, l)
	return l, nil
}
