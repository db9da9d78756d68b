// SPDX-License-Identifier: MIT

package hls

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

var segmentNameRe = regexp.MustCompile(`^seg_(\d{5})\.ts$`)

// segmentTimeout bounds a single ffmpeg invocation.
const segmentTimeout = 2 * time.Minute

func parseSegmentName(name string) (int, bool) {
	m := segmentNameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// ServeSegment returns one transport-stream segment, generating it on demand.
// Concurrent requests for the same segment collapse into a single generation.
func (s *Streamer) ServeSegment(w http.ResponseWriter, r *http.Request, relPath, segName string) error {
	index, ok := parseSegmentName(segName)
	if !ok {
		return ErrInvalidSegment
	}
	src, err := s.resolveSource(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(src.cacheDir, 0o750); err != nil {
		return fmt.Errorf("create cache entry: %w", err)
	}
	s.touch(src.cacheDir)

	m, haveMeta := s.lookupMeta(src)
	if haveMeta && index >= m.TotalSegments {
		return ErrNotFound
	}

	segPath := filepath.Join(src.cacheDir, segName)
	if _, statErr := os.Stat(segPath); statErr != nil {
		key := src.cacheDir + "|" + segName
		_, err, _ := s.group.Do(key, func() (any, error) {
			// Re-check under the flight: a concurrent caller may have
			// finished while this one queued.
			if _, err := os.Stat(segPath); err == nil {
				return nil, nil
			}
			return nil, s.generateSegment(r.Context(), src, index, segPath)
		})
		if err != nil {
			return err
		}
	}

	f, err := os.Open(segPath) // #nosec G304 -- path is cache-dir local
	if err != nil {
		return ErrNotFound
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ErrNotFound
	}

	if src.noCache {
		w.Header().Set("Cache-Control", "no-store")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}
	w.Header().Set("Content-Type", "video/mp2t")
	http.ServeContent(w, r, segName, info.ModTime(), f)

	if src.noCache {
		s.scheduleTransientCleanup(src, segPath, index, m)
	}
	return nil
}

// generateSegment produces one segment under the transcoder cap. Stream copy
// is attempted first; sources whose codecs do not survive a copy remux are
// re-encoded.
func (s *Streamer) generateSegment(ctx context.Context, src *source, index int, segPath string) error {
	cfg := s.config()
	bin, err := exec.LookPath(cfg.FFmpegPath)
	if err != nil {
		return ErrTranscoderMissing
	}

	if err := s.transcode.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.transcode.Release(1)

	ctx, cancel := context.WithTimeout(ctx, segmentTimeout)
	defer cancel()

	start := float64(index) * cfg.SegmentSeconds
	// The extra half second avoids truncated GOPs at segment boundaries.
	window := cfg.SegmentSeconds + 0.5
	tmp := segPath + ".part"

	if err := s.runFFmpeg(ctx, bin, copyArgs(src.absPath, start, window, tmp)); err == nil {
		if ok := commitSegment(tmp, segPath); ok {
			return nil
		}
	}
	_ = os.Remove(tmp)

	if err := s.runFFmpeg(ctx, bin, transcodeArgs(src.absPath, start, window, cfg.Preset, tmp)); err != nil {
		_ = os.Remove(tmp)
		s.logger.Error().Err(err).Str("event", "hls.transcode_failed").Str("path", src.relPath).Int("segment", index).Msg("segment generation failed")
		return ErrNotFound
	}
	if !commitSegment(tmp, segPath) {
		return ErrNotFound
	}
	return nil
}

func (s *Streamer) runFFmpeg(ctx context.Context, bin string, args []string) error {
	transcoderSpawns.Inc()
	// #nosec G204 -- binary path comes from operator settings
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, truncate(string(out), 512))
	}
	return nil
}

// commitSegment promotes a finished temp file; empty outputs (seeks past the
// end of the source) are discarded.
func commitSegment(tmp, segPath string) bool {
	info, err := os.Stat(tmp)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(tmp)
		return false
	}
	return os.Rename(tmp, segPath) == nil
}

func copyArgs(srcPath string, start, window float64, out string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-ss", formatSeconds(start),
		"-i", srcPath,
		"-t", formatSeconds(window),
		"-c:v", "copy",
		"-c:a", "copy",
		"-avoid_negative_ts", "make_zero",
		"-f", "mpegts",
		"-y", out,
	}
}

func transcodeArgs(srcPath string, start, window float64, preset, out string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-ss", formatSeconds(start),
		"-i", srcPath,
		"-t", formatSeconds(window),
		"-c:v", "libx264",
		"-preset", preset,
		"-crf", "26",
		"-profile:v", "main",
		"-level", "4.0",
		"-g", "60",
		"-keyint_min", "60",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", "96k",
		"-ac", "2",
		"-movflags", "+faststart",
		"-f", "mpegts",
		"-y", out,
	}
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// scheduleTransientCleanup deletes a no-cache segment after the grace window
// so slow players can finish the read. Serving the final segment also retires
// the whole cache entry once its last segment expires.
func (s *Streamer) scheduleTransientCleanup(src *source, segPath string, index int, m *meta) {
	final := m != nil && index == m.TotalSegments-1
	dir := src.cacheDir
	time.AfterFunc(noCacheGrace, func() {
		if err := os.Remove(segPath); err != nil && !os.IsNotExist(err) {
			s.logger.Debug().Err(err).Str("segment", segPath).Msg("transient segment cleanup failed")
			return
		}
		if final {
			if err := os.RemoveAll(dir); err != nil {
				s.logger.Debug().Err(err).Str("dir", dir).Msg("transient entry cleanup failed")
				return
			}
			s.mu.Lock()
			delete(s.durations, dir)
			delete(s.metas, dir)
			s.mu.Unlock()
		}
	})
}
