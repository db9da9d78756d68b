// SPDX-License-Identifier: MIT

package pathguard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
)

// BlockList is the persisted set of forbidden subtrees. Entries are stored
// raw; matching is case-insensitive with backslashes normalized and trailing
// slashes stripped.
type BlockList struct {
	mu      sync.RWMutex
	path    string
	entries []string
}

// OpenBlockList loads block.json from the share's state directory, creating
// an empty list when absent.
func OpenBlockList(stateDir string) (*BlockList, error) {
	b := &BlockList{path: filepath.Join(stateDir, "block.json")}
	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("read block list: %w", err)
	}
	if err := json.Unmarshal(raw, &b.entries); err != nil {
		return nil, fmt.Errorf("decode block list: %w", err)
	}
	return b, nil
}

func normalizeBlockTarget(p string) string {
	p = strings.ToLower(strings.ReplaceAll(p, "\\", "/"))
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// Blocked reports whether target equals, or lives under, any list entry.
func (b *BlockList) Blocked(target string) bool {
	t := normalizeBlockTarget(target)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, raw := range b.entries {
		e := normalizeBlockTarget(raw)
		if e == "" {
			continue
		}
		if t == e || strings.HasPrefix(t, e+"/") {
			return true
		}
	}
	return false
}

// Add appends a raw entry and persists. Duplicate entries (after
// normalization) are ignored.
func (b *BlockList) Add(raw string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := normalizeBlockTarget(raw)
	for _, e := range b.entries {
		if normalizeBlockTarget(e) == n {
			return nil
		}
	}
	b.entries = append(b.entries, raw)
	return b.persistLocked()
}

// Remove deletes the entry matching raw (after normalization) and persists.
func (b *BlockList) Remove(raw string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := normalizeBlockTarget(raw)
	kept := b.entries[:0]
	for _, e := range b.entries {
		if normalizeBlockTarget(e) != n {
			kept = append(kept, e)
		}
	}
	b.entries = kept
	return b.persistLocked()
}

// List returns a copy of the raw entries in insertion order.
func (b *BlockList) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.entries))
	copy(out, b.entries)
	return out
}

func (b *BlockList) persistLocked() error {
	entries := b.entries
	if entries == nil {
		entries = []string{}
	}
	buf, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode block list: %w", err)
	}
	if err := renameio.WriteFile(b.path, append(buf, '\n'), 0o600); err != nil {
		return fmt.Errorf("write block list: %w", err)
	}
	return nil
}
