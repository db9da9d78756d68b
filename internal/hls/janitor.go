// SPDX-License-Identifier: MIT

package hls

import (
	"os"
	"path/filepath"
	"time"
)

// janitor evicts cache entries that have not been touched within the TTL.
func (s *Streamer) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.janitorCtl:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes every expired cache entry and prunes empty share buckets.
func (s *Streamer) sweep() {
	now := s.now()
	buckets, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, bucket := range buckets {
		if !bucket.IsDir() {
			continue
		}
		bucketDir := filepath.Join(s.root, bucket.Name())
		entries, err := os.ReadDir(bucketDir)
		if err != nil {
			continue
		}
		remaining := len(entries)
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			entryDir := filepath.Join(bucketDir, entry.Name())
			at, ok := s.accessTime(entryDir)
			if !ok || now.Sub(at) < cacheTTL {
				continue
			}
			if err := os.RemoveAll(entryDir); err != nil {
				s.logger.Warn().Err(err).Str("event", "hls.evict_failed").Str("dir", entryDir).Msg("could not evict cache entry")
				continue
			}
			s.mu.Lock()
			delete(s.durations, entryDir)
			delete(s.metas, entryDir)
			s.mu.Unlock()
			s.logger.Info().Str("event", "hls.evicted").Str("dir", entryDir).Msg("expired cache entry removed")
			remaining--
		}
		if remaining == 0 {
			_ = os.Remove(bucketDir)
		}
	}
}
