// SPDX-License-Identifier: MIT

// Package upload ingests multipart form uploads into the share, enforcing
// filename hygiene, size limits and disk/quota budgets.
package upload

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/gamelist1990/FileShare/internal/log"
	"github.com/gamelist1990/FileShare/internal/pathguard"
	"github.com/gamelist1990/FileShare/internal/settings"
	"github.com/gamelist1990/FileShare/internal/stats"
)

var (
	// ErrInvalidInput maps to 400.
	ErrInvalidInput = errors.New("invalid upload input")
	// ErrQuotaExceeded maps to 413.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrInsufficientStorage maps to 507.
	ErrInsufficientStorage = errors.New("insufficient storage")
)

// ModuleName is the settings module key.
const ModuleName = "uploads"

// Settings is the typed view of the uploads settings module.
type Settings struct {
	MaxFileSizeBytes    int64 `json:"maxFileSizeBytes"`
	DirectoryQuotaBytes int64 `json:"directoryQuotaBytes"`
}

// DefaultSettings allows 2 GiB files with no directory quota.
func DefaultSettings() Settings {
	return Settings{MaxFileSizeBytes: 2 << 30}
}

// Service writes uploads into the share.
type Service struct {
	guard  *pathguard.Guard
	store  *settings.Store
	stats  *stats.Collector
	usage  usageCache
	logger zerolog.Logger
}

// NewService registers the settings module and returns the uploader.
func NewService(guard *pathguard.Guard, store *settings.Store, collector *stats.Collector) *Service {
	store.Register(ModuleName, DefaultSettings())
	return &Service{
		guard:  guard,
		store:  store,
		stats:  collector,
		logger: log.WithComponent("upload"),
	}
}

func (s *Service) config() Settings {
	var cfg Settings
	if err := s.store.ModuleAs(ModuleName, &cfg); err != nil {
		return DefaultSettings()
	}
	return cfg
}

// Result reports where an accepted upload landed.
type Result struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Ingest consumes a multipart request with required field "file" and
// optional field "path" (target directory). The destination file is written
// atomically; the usage cache is invalidated on success.
func (s *Service) Ingest(r *http.Request) (*Result, error) {
	cfg := s.config()

	if cfg.MaxFileSizeBytes > 0 && r.ContentLength > cfg.MaxFileSizeBytes {
		return nil, ErrQuotaExceeded
	}

	reader, err := r.MultipartReader()
	if err != nil {
		return nil, ErrInvalidInput
	}

	targetDir := ""
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, ErrInvalidInput // no file field seen
		}
		if err != nil {
			return nil, ErrInvalidInput
		}

		switch part.FormName() {
		case "path":
			buf, err := io.ReadAll(io.LimitReader(part, 4096))
			if err != nil {
				return nil, ErrInvalidInput
			}
			targetDir = strings.TrimSpace(string(buf))
		case "file":
			return s.ingestFile(part.FileName(), targetDir, part, cfg)
		default:
			_, _ = io.Copy(io.Discard, part)
		}
	}
}

func (s *Service) ingestFile(rawName, targetDir string, body io.Reader, cfg Settings) (*Result, error) {
	name, err := SanitizeFilename(rawName)
	if err != nil {
		return nil, err
	}

	dirAbs, err := s.guard.Resolve(targetDir)
	if err != nil {
		return nil, ErrInvalidInput
	}
	if info, err := os.Stat(dirAbs); err != nil || !info.IsDir() {
		return nil, ErrInvalidInput
	}

	disk := s.DiskInfo()
	if disk.Scope == ScopeQuota && disk.Free <= 0 {
		return nil, ErrQuotaExceeded
	}

	destAbs, err := s.uniquePath(dirAbs, name)
	if err != nil {
		return nil, ErrInvalidInput
	}

	// Byte budget for the streamed copy: the declared length was already
	// checked, this guards lying clients.
	budget := cfg.MaxFileSizeBytes
	if disk.Scope == ScopeQuota && (budget <= 0 || disk.Free < budget) {
		budget = disk.Free
	}

	written, err := s.writeAtomic(destAbs, body, budget, disk.Scope)
	if err != nil {
		return nil, err
	}

	s.InvalidateUsage()
	s.stats.RecordUpload(written)

	rel, err := s.guard.Rel(destAbs)
	if err != nil {
		rel = filepath.Base(destAbs)
	}
	s.logger.Info().Str("event", "upload.accepted").Str("path", rel).Int64("size", written).Msg("upload stored")
	return &Result{Path: rel, Size: written}, nil
}

// uniquePath appends " (N)" before the last dot until the candidate is free.
func (s *Service) uniquePath(dirAbs, name string) (string, error) {
	candidate := filepath.Join(dirAbs, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
		candidate = filepath.Join(dirAbs, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
}

// writeAtomic streams body into a pending file and commits it in one rename.
func (s *Service) writeAtomic(destAbs string, body io.Reader, budget int64, scope string) (int64, error) {
	pending, err := renameio.NewPendingFile(destAbs)
	if err != nil {
		return 0, ErrInsufficientStorage
	}
	defer func() {
		// Cleanup is a no-op after a successful commit.
		_ = pending.Cleanup()
	}()

	src := body
	if budget > 0 {
		src = io.LimitReader(body, budget+1)
	}
	written, err := io.Copy(pending, src)
	if err != nil {
		return 0, ErrInsufficientStorage
	}
	if budget > 0 && written > budget {
		if scope == ScopeDisk {
			return 0, ErrInsufficientStorage
		}
		return 0, ErrQuotaExceeded
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, ErrInsufficientStorage
	}
	return written, nil
}
