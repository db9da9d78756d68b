// SPDX-License-Identifier: MIT

package hls

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// ServePlaylist synthesizes (or replays) the VOD playlist for relPath and
// writes it with segment URIs rewritten to the segment endpoint.
func (s *Streamer) ServePlaylist(w http.ResponseWriter, r *http.Request, relPath string) error {
	src, err := s.resolveSource(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(src.cacheDir, 0o750); err != nil {
		return fmt.Errorf("create cache entry: %w", err)
	}
	s.touch(src.cacheDir)

	var body string
	if !src.noCache {
		if raw, err := os.ReadFile(filepath.Join(src.cacheDir, "index.m3u8")); err == nil {
			if info, perr := inspectPlaylist(string(raw)); perr == nil && info.Ended && info.Segments > 0 {
				body = string(raw)
			}
		}
	}
	if body == "" {
		body = s.buildPlaylist(r, src)
		if info, perr := inspectPlaylist(body); !src.noCache && perr == nil && info.Ended {
			if err := renameio.WriteFile(filepath.Join(src.cacheDir, "index.m3u8"), []byte(body), 0o600); err != nil {
				s.logger.Debug().Err(err).Str("path", src.relPath).Msg("could not persist playlist")
			}
		}
	}

	rewritten := rewriteSegmentURIs(body, src.relPath)
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-store")
	_, err = w.Write([]byte(rewritten))
	return err
}

// buildPlaylist returns a complete VOD playlist when the duration is known,
// otherwise a progressive playlist covering the segments generated so far
// plus a short look-ahead so players keep polling.
func (s *Streamer) buildPlaylist(r *http.Request, src *source) string {
	cfg := s.config()
	segSec := cfg.SegmentSeconds

	dur, ok := s.duration(r.Context(), src)
	if ok {
		total := int(math.Ceil(dur / segSec))
		if total < 1 {
			total = 1
		}
		s.storeMeta(src, &meta{DurationSec: dur, TotalSegments: total, SegSec: segSec})
		return buildVODPlaylist(dur, segSec, total)
	}
	s.logger.Warn().Str("event", "hls.duration_unknown").Str("path", src.relPath).Msg("falling back to progressive playlist")
	return s.buildProgressivePlaylist(src, segSec)
}

// buildVODPlaylist emits a bounded playlist: every segment carries the full
// segment duration except the last, which carries the remainder.
func buildVODPlaylist(durationSec, segSec float64, total int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(segSec)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	for i := 0; i < total; i++ {
		d := segSec
		if i == total-1 {
			d = durationSec - float64(total-1)*segSec
			if d <= 0 {
				d = segSec
			}
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", d, segmentName(i))
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// buildProgressivePlaylist lists existing segments plus a three-segment
// look-ahead without an ENDLIST marker.
func (s *Streamer) buildProgressivePlaylist(src *source, segSec float64) string {
	last := -1
	if entries, err := os.ReadDir(src.cacheDir); err == nil {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			if idx, ok := parseSegmentName(name); ok && idx > last {
				last = idx
			}
		}
	}
	count := last + 1 + 3

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(segSec)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := 0; i < count; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", segSec, segmentName(i))
	}
	return b.String()
}

// rewriteSegmentURIs replaces bare segment filenames with absolute segment
// endpoint URLs so the playlist works from any mount point.
func rewriteSegmentURIs(playlist, relPath string) string {
	lines := strings.Split(playlist, "\n")
	for i, line := range lines {
		name := strings.TrimSpace(line)
		if _, ok := parseSegmentName(name); !ok {
			continue
		}
		lines[i] = "/api/stream/file?path=" + url.QueryEscape(relPath) + "&file=" + url.QueryEscape(name)
	}
	return strings.Join(lines, "\n")
}
