// SPDX-License-Identifier: MIT

// Package hls implements the on-demand HLS transcoding cache: lazy playlist
// synthesis, per-segment generation with inflight deduplication, a bounded
// transcoder pool and TTL-based cache eviction.
package hls

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/gamelist1990/FileShare/internal/log"
	"github.com/gamelist1990/FileShare/internal/pathguard"
	"github.com/gamelist1990/FileShare/internal/settings"
)

var (
	// ErrNotEligible is returned for sources that are not streamable.
	ErrNotEligible = errors.New("source not eligible for streaming")
	// ErrTranscoderMissing maps to 501: the ffmpeg binary is absent.
	ErrTranscoderMissing = errors.New("transcoder binary not found")
	// ErrNotFound covers missing sources and segments.
	ErrNotFound = errors.New("not found")
	// ErrInvalidSegment is returned for malformed segment names.
	ErrInvalidSegment = errors.New("invalid segment name")
)

var transcoderSpawns = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fileshare",
	Name:      "hls_transcoder_spawns_total",
	Help:      "Total transcoder child processes started",
})

const (
	// noCacheThreshold switches sources to transient-segment mode.
	noCacheThreshold = 1 << 30
	// noCacheGrace is how long a served transient segment lives.
	noCacheGrace = 8 * time.Second
	// cacheTTL expires untouched cache entries.
	cacheTTL = 30 * time.Minute
	// janitorInterval is the eviction cadence.
	janitorInterval = 60 * time.Second
	// maxTranscoders caps concurrent ffmpeg children.
	maxTranscoders = 2
)

// ModuleName is the settings module key.
const ModuleName = "hls"

// Settings is the typed view of the hls settings module.
type Settings struct {
	SegmentSeconds float64 `json:"segmentSeconds"`
	Preset         string  `json:"preset"`
	FFmpegPath     string  `json:"ffmpegPath"`
	FFprobePath    string  `json:"ffprobePath"`
}

// DefaultSettings uses 4-second segments and the veryfast preset.
func DefaultSettings() Settings {
	return Settings{
		SegmentSeconds: 4,
		Preset:         "veryfast",
		FFmpegPath:     "ffmpeg",
		FFprobePath:    "ffprobe",
	}
}

var validPresets = map[string]bool{
	"ultrafast": true,
	"superfast": true,
	"veryfast":  true,
	"faster":    true,
}

// eligibleExts are the only streamable source containers.
var eligibleExts = map[string]bool{
	".mp4": true,
	".m4v": true,
	".mov": true,
}

// meta describes one cache entry's timeline. Cached entries persist it as
// meta.json; no-cache entries keep it in memory only so nothing durable is
// written for oversized sources.
type meta struct {
	DurationSec   float64 `json:"durationSec"`
	TotalSegments int     `json:"totalSegments"`
	SegSec        float64 `json:"segSec"`
}

// source describes one resolved, fingerprinted stream source.
type source struct {
	absPath  string
	relPath  string
	size     int64
	mtime    time.Time
	cacheDir string
	noCache  bool
}

// Streamer is the process-wide HLS service. Only it writes under
// .fileshare/cache/hls.
type Streamer struct {
	guard    *pathguard.Guard
	store    *settings.Store
	root     string // <share>/.fileshare/cache/hls
	rootHash string

	group     singleflight.Group
	transcode *semaphore.Weighted

	mu        sync.Mutex
	durations map[string]float64 // memoized durations for no-cache sources
	metas     map[string]*meta   // in-memory meta for no-cache sources

	logger     zerolog.Logger
	janitorCtl chan struct{}
	closeOnce  sync.Once
	now        func() time.Time
}

// NewStreamer registers the settings module, prepares the cache root and
// starts the janitor.
func NewStreamer(guard *pathguard.Guard, store *settings.Store) (*Streamer, error) {
	store.Register(ModuleName, DefaultSettings())
	root := filepath.Join(guard.Root(), settings.StateDirName, "cache", "hls")
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create hls cache root: %w", err)
	}
	sum := sha1.Sum([]byte(guard.Root()))
	s := &Streamer{
		guard:      guard,
		store:      store,
		root:       root,
		rootHash:   hex.EncodeToString(sum[:]),
		transcode:  semaphore.NewWeighted(maxTranscoders),
		durations:  make(map[string]float64),
		metas:      make(map[string]*meta),
		logger:     log.WithComponent("hls"),
		janitorCtl: make(chan struct{}),
		now:        time.Now,
	}
	go s.janitor()
	return s, nil
}

// Close stops the janitor and synchronously removes the entire cache root.
func (s *Streamer) Close() {
	s.closeOnce.Do(func() {
		close(s.janitorCtl)
		if err := os.RemoveAll(s.root); err != nil {
			s.logger.Warn().Err(err).Str("event", "hls.cleanup_failed").Msg("could not remove cache root")
		}
	})
}

func (s *Streamer) config() Settings {
	var cfg Settings
	if err := s.store.ModuleAs(ModuleName, &cfg); err != nil {
		return DefaultSettings()
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = DefaultSettings().SegmentSeconds
	}
	if !validPresets[cfg.Preset] {
		cfg.Preset = DefaultSettings().Preset
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	return cfg
}

// resolveSource maps a client path to a fingerprinted cache location. The
// fingerprint binds to (absPath, size, mtimeNs) so any change to the source
// invalidates the entry.
func (s *Streamer) resolveSource(relPath string) (*source, error) {
	abs, err := s.guard.Resolve(relPath)
	if err != nil {
		return nil, ErrNotFound
	}
	if !eligibleExts[strings.ToLower(filepath.Ext(abs))] {
		return nil, ErrNotEligible
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return nil, ErrNotFound
	}
	rel, err := s.guard.Rel(abs)
	if err != nil {
		return nil, ErrNotFound
	}
	fp := fmt.Sprintf("%s:%d:%d", abs, info.Size(), info.ModTime().UnixNano())
	sum := sha1.Sum([]byte(fp))
	return &source{
		absPath:  abs,
		relPath:  rel,
		size:     info.Size(),
		mtime:    info.ModTime(),
		cacheDir: filepath.Join(s.root, s.rootHash, hex.EncodeToString(sum[:])),
		noCache:  info.Size() > noCacheThreshold,
	}, nil
}

// touch refreshes the cache entry's liveness signal. Directory mtime is the
// primary signal; hosts that refuse Chtimes fall back to a .atime sidecar.
func (s *Streamer) touch(cacheDir string) {
	now := s.now()
	if err := os.Chtimes(cacheDir, now, now); err != nil {
		millis := strconv.FormatInt(now.UnixMilli(), 10)
		if werr := renameio.WriteFile(filepath.Join(cacheDir, ".atime"), []byte(millis), 0o600); werr != nil {
			s.logger.Debug().Err(werr).Str("dir", cacheDir).Msg("could not record access time")
		}
	}
}

// accessTime reads the entry's liveness signal.
func (s *Streamer) accessTime(cacheDir string) (time.Time, bool) {
	if raw, err := os.ReadFile(filepath.Join(cacheDir, ".atime")); err == nil {
		if ms, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
	}
	info, err := os.Stat(cacheDir)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func (s *Streamer) readMeta(cacheDir string) (*meta, bool) {
	raw, err := os.ReadFile(filepath.Join(cacheDir, "meta.json"))
	if err != nil {
		return nil, false
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return &m, true
}

func (s *Streamer) writeMeta(cacheDir string, m *meta) {
	buf, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := renameio.WriteFile(filepath.Join(cacheDir, "meta.json"), buf, 0o600); err != nil {
		s.logger.Debug().Err(err).Str("dir", cacheDir).Msg("could not persist cache meta")
	}
}

// storeMeta records the entry's timeline: on disk for cached sources, in
// memory for no-cache sources.
func (s *Streamer) storeMeta(src *source, m *meta) {
	if src.noCache {
		s.mu.Lock()
		s.metas[src.cacheDir] = m
		s.mu.Unlock()
		return
	}
	s.writeMeta(src.cacheDir, m)
}

// lookupMeta is the read side of storeMeta.
func (s *Streamer) lookupMeta(src *source) (*meta, bool) {
	if src.noCache {
		s.mu.Lock()
		m, ok := s.metas[src.cacheDir]
		s.mu.Unlock()
		return m, ok
	}
	return s.readMeta(src.cacheDir)
}

func segmentName(index int) string {
	return fmt.Sprintf("seg_%05d.ts", index)
}
