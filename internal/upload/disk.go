// SPDX-License-Identifier: MIT

package upload

import (
	"io/fs"
	"path/filepath"
	"sync"
	"time"
)

// Scope names for DiskInfo.
const (
	ScopeDisk  = "disk"
	ScopeQuota = "quota"
)

// DiskInfo describes the storage budget the uploader enforces.
type DiskInfo struct {
	Total       int64   `json:"total"`
	Free        int64   `json:"free"`
	Used        int64   `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
	MaxUpload   int64   `json:"maxUpload"`
	MaxFileSize int64   `json:"maxFileSize"`
	Scope       string  `json:"scope"`
	QuotaBytes  int64   `json:"quotaBytes,omitempty"`
}

// usageCacheTTL bounds how often the quota walk re-runs.
const usageCacheTTL = 30 * time.Second

type usageCache struct {
	mu       sync.Mutex
	bytes    int64
	takenAt  time.Time
	lastInfo *DiskInfo
}

// DiskInfo computes the current budget. With a directory quota configured,
// usage comes from a cached recursive walk of the share; otherwise the
// filesystem free-space syscall is authoritative. On probe errors the last
// successful result is returned.
func (s *Service) DiskInfo() DiskInfo {
	cfg := s.config()

	phys, physErr := physicalFree(s.guard.Root())
	if physErr != nil {
		s.usage.mu.Lock()
		defer s.usage.mu.Unlock()
		if s.usage.lastInfo != nil {
			return *s.usage.lastInfo
		}
		return DiskInfo{Scope: ScopeDisk, MaxFileSize: cfg.MaxFileSizeBytes}
	}

	var info DiskInfo
	if cfg.DirectoryQuotaBytes > 0 {
		used := s.quotaUsage()
		free := cfg.DirectoryQuotaBytes - used
		if free < 0 {
			free = 0
		}
		maxUpload := free
		if phys.free < maxUpload {
			maxUpload = phys.free
		}
		if cfg.MaxFileSizeBytes > 0 && cfg.MaxFileSizeBytes < maxUpload {
			maxUpload = cfg.MaxFileSizeBytes
		}
		info = DiskInfo{
			Total:       cfg.DirectoryQuotaBytes,
			Free:        free,
			Used:        used,
			MaxUpload:   maxUpload,
			MaxFileSize: cfg.MaxFileSizeBytes,
			Scope:       ScopeQuota,
			QuotaBytes:  cfg.DirectoryQuotaBytes,
		}
	} else {
		maxUpload := phys.free
		if cfg.MaxFileSizeBytes > 0 && cfg.MaxFileSizeBytes < maxUpload {
			maxUpload = cfg.MaxFileSizeBytes
		}
		info = DiskInfo{
			Total:       phys.total,
			Free:        phys.free,
			Used:        phys.total - phys.free,
			MaxUpload:   maxUpload,
			MaxFileSize: cfg.MaxFileSizeBytes,
			Scope:       ScopeDisk,
		}
	}
	if info.Total > 0 {
		info.UsedPercent = float64(info.Used) / float64(info.Total) * 100
	}

	s.usage.mu.Lock()
	copied := info
	s.usage.lastInfo = &copied
	s.usage.mu.Unlock()
	return info
}

// quotaUsage walks the share summing file sizes, cached for usageCacheTTL.
func (s *Service) quotaUsage() int64 {
	s.usage.mu.Lock()
	defer s.usage.mu.Unlock()
	if time.Since(s.usage.takenAt) < usageCacheTTL {
		return s.usage.bytes
	}
	var total int64
	_ = filepath.WalkDir(s.guard.Root(), func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	s.usage.bytes = total
	s.usage.takenAt = time.Now()
	return total
}

// InvalidateUsage forces the next quota probe to re-walk. Called after every
// successful upload or delete.
func (s *Service) InvalidateUsage() {
	s.usage.mu.Lock()
	s.usage.takenAt = time.Time{}
	s.usage.mu.Unlock()
}

type physSpace struct {
	total int64
	free  int64
}
