// SPDX-License-Identifier: MIT

package hls

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const probeTimeout = 15 * time.Second

// ffmpegDurationRe matches the "Duration: HH:MM:SS.ff" line ffmpeg prints on
// stderr when invoked without an output.
var ffmpegDurationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// duration returns the source duration in seconds, or false if neither probe
// strategy can determine it. Results are memoized per cache entry so repeated
// playlist requests do not re-spawn probes.
func (s *Streamer) duration(ctx context.Context, src *source) (float64, bool) {
	if m, ok := s.lookupMeta(src); ok && m.DurationSec > 0 {
		return m.DurationSec, true
	}
	s.mu.Lock()
	if d, ok := s.durations[src.cacheDir]; ok {
		s.mu.Unlock()
		return d, d > 0
	}
	s.mu.Unlock()

	cfg := s.config()
	d, ok := probeWithFFprobe(ctx, cfg.FFprobePath, src.absPath)
	if !ok {
		d, ok = probeWithFFmpeg(ctx, cfg.FFmpegPath, src.absPath)
	}
	s.mu.Lock()
	if ok {
		s.durations[src.cacheDir] = d
	} else {
		s.durations[src.cacheDir] = 0
	}
	s.mu.Unlock()
	return d, ok
}

// probeWithFFprobe asks ffprobe for the container duration.
func probeWithFFprobe(ctx context.Context, bin, path string) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	// #nosec G204 -- binary path comes from operator settings
	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, false
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// probeWithFFmpeg falls back to parsing the Duration line from ffmpeg's
// stderr banner. ffmpeg exits non-zero without an output, so the error is
// ignored and only the captured text matters.
func probeWithFFmpeg(ctx context.Context, bin, path string) (float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	// #nosec G204 -- binary path comes from operator settings
	cmd := exec.CommandContext(ctx, bin, "-hide_banner", "-i", path)
	out, _ := cmd.CombinedOutput()
	return parseFFmpegDuration(string(out))
}

func parseFFmpegDuration(stderr string) (float64, bool) {
	m := ffmpegDurationRe.FindStringSubmatch(stderr)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.ParseFloat(m[1], 64)
	mins, _ := strconv.ParseFloat(m[2], 64)
	secs, _ := strconv.ParseFloat(m[3], 64)
	d := hours*3600 + mins*60 + secs
	if d <= 0 {
		return 0, false
	}
	return d, true
}
