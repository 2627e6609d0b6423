// Package policy decides which files are replaced whole instead of being delta-synchronized.
//
// Small text files gain little from chunk reuse,
// and an edited local copy can make the chunk scan do more work than a fresh download.
// Files matching a WholeFile policy are deleted before synchronization,
// so every chunk is fetched.
package policy

import (
	"path"
	"strings"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// DefaultPatterns is the default whole-file policy: XML files anywhere in the tree.
var DefaultPatterns = []string{"**.xml"}

// WholeFile is a compiled set of path patterns.
// Patterns use github.com/gobwas/glob syntax with '/' as the separator,
// matched case-insensitively against slash-separated relative paths.
// A pattern without a '/' matches the base name.
type WholeFile struct {
	patterns []string
	full     []glob.Glob
	base     []glob.Glob
}

// Compile builds a WholeFile from patterns.
func Compile(patterns []string) (*WholeFile, error) {
	w := &WholeFile{patterns: patterns}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.Wrapf(err, "compiling pattern %q", p)
		}
		if strings.Contains(p, "/") || strings.HasPrefix(p, "**") {
			w.full = append(w.full, g)
		} else {
			w.base = append(w.base, g)
		}
	}
	return w, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(patterns []string) *WholeFile {
	w, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return w
}

// Match tells whether the file at the slash-separated relative path p is replaced whole.
// A nil WholeFile matches nothing.
func (w *WholeFile) Match(p string) bool {
	if w == nil {
		return false
	}
	p = strings.ToLower(strings.TrimPrefix(p, "/"))
	for _, g := range w.full {
		if g.Match(p) {
			return true
		}
	}
	b := path.Base(p)
	for _, g := range w.base {
		if g.Match(b) {
			return true
		}
	}
	return false
}

// Patterns returns the patterns w was compiled from.
func (w *WholeFile) Patterns() []string {
	if w == nil {
		return nil
	}
	return w.patterns
}
