// SPDX-License-Identifier: MIT

// Package fileio serves the share's directory listings and file contents:
// MIME mapping, single-range GETs, HLS playlist URI rewriting and social
// unfurl pages.
package fileio

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/gamelist1990/FileShare/internal/pathguard"
	"github.com/gamelist1990/FileShare/internal/settings"
	"github.com/gamelist1990/FileShare/internal/stats"
)

var (
	// ErrNotFound maps to 404.
	ErrNotFound = errors.New("not found")
	// ErrBlocked maps to 403 {"error":"blocked"}.
	ErrBlocked = errors.New("blocked")
)

// FileEntry is one listing record. Entries are built on demand and never
// persisted.
type FileEntry struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	IsDir         bool   `json:"isDir"`
	Size          int64  `json:"size"`
	MTime         string `json:"mtime"`
	DownloadCount *int64 `json:"downloadCount,omitempty"`
}

// Service implements listing and serving against one share root.
type Service struct {
	guard  *pathguard.Guard
	blocks *pathguard.BlockList
	stats  *stats.Collector
}

// NewService wires the path guard, block list and stats collector.
func NewService(guard *pathguard.Guard, blocks *pathguard.BlockList, collector *stats.Collector) *Service {
	return &Service{guard: guard, blocks: blocks, stats: collector}
}

// sizeWalkers bounds the parallel recursive-size computation per listing.
const sizeWalkers = 8

// List returns the sorted entries of relPath. Directories report their
// recursive size; inaccessible children contribute zero and are not fatal.
// Blocked entries and the state directory are omitted.
func (s *Service) List(relPath string) ([]FileEntry, error) {
	abs, err := s.guard.Resolve(relPath)
	if err != nil {
		return nil, ErrNotFound
	}
	rel, err := s.guard.Rel(abs)
	if err != nil {
		return nil, ErrNotFound
	}
	if s.blocks.Blocked(rel) {
		return nil, ErrBlocked
	}
	children, err := os.ReadDir(abs)
	if err != nil {
		return nil, ErrNotFound
	}

	entries := make([]FileEntry, 0, len(children))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(sizeWalkers)

	for _, child := range children {
		if child.Name() == settings.StateDirName {
			continue
		}
		childRel := path.Join(rel, child.Name())
		if childRel == "." {
			childRel = child.Name()
		}
		if s.blocks.Blocked(childRel) {
			continue
		}
		child := child
		g.Go(func() error {
			info, err := child.Info()
			if err != nil {
				return nil
			}
			entry := FileEntry{
				Name:  child.Name(),
				Path:  filepath.ToSlash(childRel),
				IsDir: child.IsDir(),
				MTime: info.ModTime().UTC().Format(time.RFC3339),
			}
			if child.IsDir() {
				entry.Size = dirSize(filepath.Join(abs, child.Name()))
			} else {
				entry.Size = info.Size()
				if n := s.stats.DownloadCount(entry.Path); n > 0 {
					entry.DownloadCount = &n
				}
			}
			mu.Lock()
			entries = append(entries, entry)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	coll := collate.New(language.Und, collate.IgnoreCase)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return coll.CompareString(entries[i].Name, entries[j].Name) < 0
	})
	return entries, nil
}

// dirSize walks a subtree summing regular file sizes. Errors are treated as
// zero-size contributions.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
