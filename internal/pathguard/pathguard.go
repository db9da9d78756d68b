// SPDX-License-Identifier: MIT

// Package pathguard turns untrusted client-supplied relative paths into
// canonical absolute paths inside the share root, or rejects them. Every
// filesystem-touching operation in the server routes through it.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrDenied is returned for traversal attempts, symlink escapes and any
// resolution failure. Callers map it to 403/404 (HTTP) or 550 (FTP) without
// leaking the reason.
var ErrDenied = errors.New("path denied")

// Guard resolves paths against one canonical share root.
type Guard struct {
	root      string // symlink-resolved absolute root
	rootLower string // lowercased for case-insensitive filesystems
}

// New canonicalizes the share root. The root must exist.
func New(shareRoot string) (*Guard, error) {
	abs, err := filepath.Abs(shareRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve share root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve share root: %w", err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat share root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("share root is not a directory: %s", real)
	}
	return &Guard{root: real, rootLower: strings.ToLower(filepath.ToSlash(real))}, nil
}

// Root returns the canonical share root.
func (g *Guard) Root() string {
	return g.root
}

// Scrub performs the textual pre-resolution cleanup: separators are
// normalized to '/', leading slashes and "./" are stripped and every ".."
// occurrence is removed before the path ever reaches the filesystem.
func Scrub(rel string) string {
	p := strings.ReplaceAll(rel, "\\", "/")
	p = strings.ReplaceAll(p, "\x00", "")
	p = norm.NFC.String(p)
	for strings.Contains(p, "..") {
		p = strings.ReplaceAll(p, "..", "")
	}
	for {
		switch {
		case strings.HasPrefix(p, "/"):
			p = strings.TrimPrefix(p, "/")
		case strings.HasPrefix(p, "./"):
			p = strings.TrimPrefix(p, "./")
		default:
			return path.Clean(p)
		}
	}
}

// Resolve maps rel to a canonical absolute path inside the share root. The
// target must exist; symlinks are followed and the result must stay under
// the root.
func (g *Guard) Resolve(rel string) (string, error) {
	joined := filepath.Join(g.root, filepath.FromSlash(Scrub(rel)))
	real, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", ErrDenied
	}
	if !g.contains(real) {
		return "", ErrDenied
	}
	return real, nil
}

// ResolveWrite is the write-mode variant: the target may not exist yet, so
// only the deepest existing ancestor is symlink-resolved before the
// containment check.
func (g *Guard) ResolveWrite(rel string) (string, error) {
	scrubbed := Scrub(rel)
	joined := filepath.Join(g.root, filepath.FromSlash(scrubbed))

	dir := joined
	var tail []string
	for {
		real, err := filepath.EvalSymlinks(dir)
		if err == nil {
			joined = filepath.Join(append([]string{real}, tail...)...)
			break
		}
		if !os.IsNotExist(err) {
			return "", ErrDenied
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrDenied
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
		dir = parent
	}

	if !g.contains(joined) {
		return "", ErrDenied
	}
	return joined, nil
}

// Rel converts an absolute path inside the root back to the forward-slash
// relative form used on the wire.
func (g *Guard) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(g.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", ErrDenied
	}
	return filepath.ToSlash(rel), nil
}

// contains reports whether p (already canonical) is the root or one of its
// descendants. Comparison is lowercased to tolerate case-insensitive
// filesystems; simple folding only, see DESIGN notes.
func (g *Guard) contains(p string) bool {
	lower := strings.ToLower(filepath.ToSlash(p))
	if lower == g.rootLower {
		return true
	}
	prefix := g.rootLower
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(lower, prefix)
}
