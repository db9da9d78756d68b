// SPDX-License-Identifier: MIT

package hls

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gamelist1990/FileShare/internal/pathguard"
	"github.com/gamelist1990/FileShare/internal/settings"
)

func newStreamer(t *testing.T) (*Streamer, string) {
	t.Helper()
	root := t.TempDir()
	guard, err := pathguard.New(root)
	require.NoError(t, err)
	store, err := settings.Open(root)
	require.NoError(t, err)
	s, err := NewStreamer(guard, store)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, guard.Root()
}

func writeSource(t *testing.T, root, rel string) string {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o750))
	require.NoError(t, os.WriteFile(abs, []byte("not a real movie"), 0o600))
	return abs
}

func TestResolveSource(t *testing.T) {
	s, root := newStreamer(t)
	writeSource(t, root, "movies/film.mp4")
	writeSource(t, root, "notes.txt")

	src, err := s.resolveSource("movies/film.mp4")
	require.NoError(t, err)
	require.Equal(t, "movies/film.mp4", src.relPath)
	require.False(t, src.noCache)
	require.True(t, strings.HasPrefix(src.cacheDir, s.root))

	_, err = s.resolveSource("notes.txt")
	require.ErrorIs(t, err, ErrNotEligible)

	_, err = s.resolveSource("movies/missing.mp4")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFingerprintTracksSource(t *testing.T) {
	s, root := newStreamer(t)
	abs := writeSource(t, root, "film.mp4")

	first, err := s.resolveSource("film.mp4")
	require.NoError(t, err)

	// Same bytes, same mtime: fingerprint is stable.
	again, err := s.resolveSource("film.mp4")
	require.NoError(t, err)
	require.Equal(t, first.cacheDir, again.cacheDir)

	// A touched source invalidates the entry.
	later := time.Now().Add(2 * time.Hour)
	require.NoError(t, os.Chtimes(abs, later, later))
	changed, err := s.resolveSource("film.mp4")
	require.NoError(t, err)
	require.NotEqual(t, first.cacheDir, changed.cacheDir)
}

func TestParseSegmentName(t *testing.T) {
	tests := []struct {
		name  string
		index int
		ok    bool
	}{
		{"seg_00000.ts", 0, true},
		{"seg_00042.ts", 42, true},
		{"seg_99999.ts", 99999, true},
		{"seg_0001.ts", 0, false},
		{"seg_000001.ts", 0, false},
		{"seg_00001.mp4", 0, false},
		{"../seg_00001.ts", 0, false},
		{"index.m3u8", 0, false},
	}
	for _, tt := range tests {
		idx, ok := parseSegmentName(tt.name)
		require.Equal(t, tt.ok, ok, "name %q", tt.name)
		if tt.ok {
			require.Equal(t, tt.index, idx, "name %q", tt.name)
		}
	}
}

func TestBuildVODPlaylist(t *testing.T) {
	p := buildVODPlaylist(10, 4, 3)
	require.Contains(t, p, "#EXT-X-PLAYLIST-TYPE:VOD")
	require.Contains(t, p, "#EXT-X-TARGETDURATION:4")
	require.Contains(t, p, "#EXTINF:4.000,\nseg_00000.ts")
	require.Contains(t, p, "#EXTINF:4.000,\nseg_00001.ts")
	// The final segment carries the remainder.
	require.Contains(t, p, "#EXTINF:2.000,\nseg_00002.ts")
	require.True(t, strings.HasSuffix(p, "#EXT-X-ENDLIST\n"))
}

func TestRewriteSegmentURIs(t *testing.T) {
	p := buildVODPlaylist(8, 4, 2)
	out := rewriteSegmentURIs(p, "movies/a b.mp4")
	require.NotContains(t, out, "\nseg_00000.ts")
	require.Contains(t, out, "/api/stream/file?path=movies%2Fa+b.mp4&file=seg_00000.ts")
	require.Contains(t, out, "/api/stream/file?path=movies%2Fa+b.mp4&file=seg_00001.ts")
	// Tag lines are left untouched.
	require.Contains(t, out, "#EXT-X-ENDLIST")
}

func TestParseFFmpegDuration(t *testing.T) {
	stderr := "Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'film.mp4':\n" +
		"  Duration: 00:01:30.50, start: 0.000000, bitrate: 1200 kb/s\n"
	d, ok := parseFFmpegDuration(stderr)
	require.True(t, ok)
	require.InDelta(t, 90.5, d, 0.001)

	_, ok = parseFFmpegDuration("no duration here")
	require.False(t, ok)
}

func TestServeSegment_InvalidName(t *testing.T) {
	s, root := newStreamer(t)
	writeSource(t, root, "film.mp4")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/stream/file", nil)
	err := s.ServeSegment(rec, req, "film.mp4", "../../etc/passwd")
	require.ErrorIs(t, err, ErrInvalidSegment)
}

func TestServeSegment_TranscoderMissing(t *testing.T) {
	s, root := newStreamer(t)
	writeSource(t, root, "film.mp4")
	cfg := DefaultSettings()
	cfg.FFmpegPath = filepath.Join(root, "no-such-ffmpeg")
	require.NoError(t, s.store.Update(ModuleName, cfg))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/stream/file", nil)
	err := s.ServeSegment(rec, req, "film.mp4", "seg_00000.ts")
	require.ErrorIs(t, err, ErrTranscoderMissing)
}

func TestServeSegment_BeyondEnd(t *testing.T) {
	s, root := newStreamer(t)
	writeSource(t, root, "film.mp4")
	src, err := s.resolveSource("film.mp4")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(src.cacheDir, 0o750))
	s.writeMeta(src.cacheDir, &meta{DurationSec: 8, TotalSegments: 2, SegSec: 4})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/stream/file", nil)
	err = s.ServeSegment(rec, req, "film.mp4", "seg_00002.ts")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestServeSegment_CachedHit(t *testing.T) {
	s, root := newStreamer(t)
	writeSource(t, root, "film.mp4")
	src, err := s.resolveSource("film.mp4")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(src.cacheDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(src.cacheDir, "seg_00000.ts"), []byte("ts-bytes"), 0o600))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/stream/file", nil)
	require.NoError(t, s.ServeSegment(rec, req, "film.mp4", "seg_00000.ts"))
	require.Equal(t, 200, rec.Code)
	require.Equal(t, "ts-bytes", rec.Body.String())
	require.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	require.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
}

func TestServePlaylist_CachedReplay(t *testing.T) {
	s, root := newStreamer(t)
	writeSource(t, root, "film.mp4")
	src, err := s.resolveSource("film.mp4")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(src.cacheDir, 0o750))
	cached := buildVODPlaylist(8, 4, 2)
	require.NoError(t, os.WriteFile(filepath.Join(src.cacheDir, "index.m3u8"), []byte(cached), 0o600))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/stream/playlist", nil)
	require.NoError(t, s.ServePlaylist(rec, req, "film.mp4"))
	require.Equal(t, playlistContentType, rec.Header().Get("Content-Type"))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	require.Contains(t, rec.Body.String(), "/api/stream/file?path=film.mp4&file=seg_00000.ts")
	require.Contains(t, rec.Body.String(), "#EXT-X-ENDLIST")
}

func TestInspectPlaylist(t *testing.T) {
	info, err := inspectPlaylist(buildVODPlaylist(10, 4, 3))
	require.NoError(t, err)
	require.True(t, info.Ended)
	require.Equal(t, 3, info.Segments)
	require.InDelta(t, 10, info.TotalDuration, 0.001)
	require.InDelta(t, 2, info.LastDuration, 0.001)

	// A progressive playlist is unbounded.
	s, root := newStreamer(t)
	writeSource(t, root, "film.mp4")
	src, err := s.resolveSource("film.mp4")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(src.cacheDir, 0o750))
	info, err = inspectPlaylist(s.buildProgressivePlaylist(src, 4))
	require.NoError(t, err)
	require.False(t, info.Ended)
	require.Equal(t, 3, info.Segments)

	for _, body := range []string{
		"",
		"#EXT-X-VERSION:3\nseg_00000.ts\n",
		"#EXTM3U\n#EXTINF:abc,\nseg_00000.ts\n",
		"#EXTM3U\nseg_00000.ts\n",
	} {
		_, err := inspectPlaylist(body)
		require.Error(t, err, "body %q", body)
	}
}

func TestServePlaylist_IgnoresTornCache(t *testing.T) {
	s, root := newStreamer(t)
	writeSource(t, root, "film.mp4")
	src, err := s.resolveSource("film.mp4")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(src.cacheDir, 0o750))
	s.writeMeta(src.cacheDir, &meta{DurationSec: 8, TotalSegments: 2, SegSec: 4})

	// A truncated cached playlist (header lost, ENDLIST still present) must
	// not be replayed.
	torn := "#EXTINF:4.000,\nseg_00001.ts\n#EXT-X-ENDLIST\n"
	require.NoError(t, os.WriteFile(filepath.Join(src.cacheDir, "index.m3u8"), []byte(torn), 0o600))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/stream/playlist", nil)
	require.NoError(t, s.ServePlaylist(rec, req, "film.mp4"))
	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "#EXTM3U"))
	require.Contains(t, body, "/api/stream/file?path=film.mp4&file=seg_00000.ts")
	require.Contains(t, body, "#EXT-X-ENDLIST")

	// The rebuilt playlist replaces the torn file.
	raw, err := os.ReadFile(filepath.Join(src.cacheDir, "index.m3u8"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(raw), "#EXTM3U"))
}

func TestNoCacheMetaStaysInMemory(t *testing.T) {
	s, root := newStreamer(t)
	abs := writeSource(t, root, "big.mp4")
	// Sparse-extend the source past the no-cache threshold.
	require.NoError(t, os.Truncate(abs, noCacheThreshold+1))

	src, err := s.resolveSource("big.mp4")
	require.NoError(t, err)
	require.True(t, src.noCache)

	// Seed the memoized duration so playlist synthesis needs no probe binary.
	s.mu.Lock()
	s.durations[src.cacheDir] = 8
	s.mu.Unlock()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/stream/playlist", nil)
	require.NoError(t, s.ServePlaylist(rec, req, "big.mp4"))
	require.Contains(t, rec.Body.String(), "#EXT-X-ENDLIST")

	// Nothing durable is written for oversized sources.
	_, err = os.Stat(filepath.Join(src.cacheDir, "meta.json"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(src.cacheDir, "index.m3u8"))
	require.True(t, os.IsNotExist(err))

	// The in-memory meta still bounds segment requests.
	m, ok := s.lookupMeta(src)
	require.True(t, ok)
	require.Equal(t, 2, m.TotalSegments)
	err = s.ServeSegment(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/stream/file", nil), "big.mp4", "seg_00002.ts")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSweepEvictsExpired(t *testing.T) {
	s, root := newStreamer(t)
	writeSource(t, root, "film.mp4")
	src, err := s.resolveSource("film.mp4")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(src.cacheDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(src.cacheDir, "seg_00000.ts"), []byte("x"), 0o600))

	// Fresh entries survive a sweep.
	s.sweep()
	_, err = os.Stat(src.cacheDir)
	require.NoError(t, err)

	// Entries untouched for the full TTL are evicted and empty share
	// buckets are pruned with them.
	s.now = func() time.Time { return time.Now().Add(cacheTTL + time.Minute) }
	s.sweep()
	_, err = os.Stat(src.cacheDir)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Dir(src.cacheDir))
	require.True(t, os.IsNotExist(err))
}
