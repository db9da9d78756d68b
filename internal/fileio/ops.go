// SPDX-License-Identifier: MIT

package fileio

import (
	"errors"
	"os"
	"strings"

	"github.com/gamelist1990/FileShare/internal/pathguard"
	"github.com/gamelist1990/FileShare/internal/settings"
)

// ErrInvalidInput covers bad or conflicting file-operation arguments.
var ErrInvalidInput = errors.New("invalid input")

// mutable rejects operations on the state directory and blocked subtrees.
func (s *Service) mutable(rel string) bool {
	if rel == "" {
		return false
	}
	first, _, _ := strings.Cut(rel, "/")
	if first == settings.StateDirName {
		return false
	}
	return !s.blocks.Blocked(rel)
}

// Mkdir creates a directory (parents included) and returns its relative path.
func (s *Service) Mkdir(relPath string) (string, error) {
	rel := pathguard.Scrub(relPath)
	if !s.mutable(rel) {
		return "", ErrInvalidInput
	}
	abs, err := s.guard.ResolveWrite(rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err == nil {
		return "", ErrInvalidInput
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return "", ErrInvalidInput
	}
	out, err := s.guard.Rel(abs)
	if err != nil {
		return "", err
	}
	return out, nil
}

// Rename moves a file or directory inside the share. The destination must
// not exist yet, so a rename never clobbers.
func (s *Service) Rename(fromRel, toRel string) (string, error) {
	from := pathguard.Scrub(fromRel)
	to := pathguard.Scrub(toRel)
	if !s.mutable(from) || !s.mutable(to) {
		return "", ErrInvalidInput
	}
	srcAbs, err := s.guard.Resolve(from)
	if err != nil {
		return "", err
	}
	dstAbs, err := s.guard.ResolveWrite(to)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dstAbs); err == nil {
		return "", ErrInvalidInput
	}
	if err := os.Rename(srcAbs, dstAbs); err != nil {
		return "", ErrInvalidInput
	}
	out, err := s.guard.Rel(dstAbs)
	if err != nil {
		return "", err
	}
	return out, nil
}

// Delete removes a file or directory subtree.
func (s *Service) Delete(relPath string) error {
	rel := pathguard.Scrub(relPath)
	if !s.mutable(rel) {
		return ErrInvalidInput
	}
	abs, err := s.guard.Resolve(rel)
	if err != nil {
		return err
	}
	if abs == s.guard.Root() {
		return ErrInvalidInput
	}
	return os.RemoveAll(abs)
}
