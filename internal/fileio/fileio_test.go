// SPDX-License-Identifier: MIT

package fileio

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gamelist1990/FileShare/internal/pathguard"
	"github.com/gamelist1990/FileShare/internal/stats"
)

func newService(t *testing.T) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	guard, err := pathguard.New(root)
	require.NoError(t, err)
	blocks, err := pathguard.OpenBlockList(t.TempDir())
	require.NoError(t, err)
	return NewService(guard, blocks, stats.New()), guard.Root()
}

func TestList_SortAndSizes(t *testing.T) {
	svc, root := newService(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "zdir", "inner"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "zdir", "inner", "x.bin"), make([]byte, 300), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "zdir", "y.bin"), make([]byte, 200), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Beta.txt"), []byte("bb"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "alpha.txt"), []byte("a"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".fileshare"), 0o750))

	entries, err := svc.List("")
	require.NoError(t, err)
	require.Len(t, entries, 3, "state dir is hidden")

	require.Equal(t, "zdir", entries[0].Name, "directories first")
	require.True(t, entries[0].IsDir)
	require.Equal(t, int64(500), entries[0].Size, "directory size is recursive")

	require.Equal(t, "alpha.txt", entries[1].Name, "case-insensitive name order")
	require.Equal(t, "Beta.txt", entries[2].Name)
}

func TestList_BlockedEntriesOmitted(t *testing.T) {
	svc, root := newService(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "secret"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.txt"), []byte("x"), 0o600))
	require.NoError(t, svc.blocks.Add("secret"))

	entries, err := svc.List("")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ok.txt", entries[0].Name)

	_, err = svc.List("secret")
	require.ErrorIs(t, err, ErrBlocked)
}

func TestList_NotFound(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.List("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func serveReq(t *testing.T, svc *Service, rel string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/file?path="+rel, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	require.NoError(t, svc.Serve(w, req, rel))
	return w
}

func TestServe_RangeScenarios(t *testing.T) {
	svc, root := newService(t)
	content := []byte("0123456789")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b.bin"), content, 0o600))

	// bytes=2-5 on a 10-byte file.
	w := serveReq(t, svc, "a/b.bin", map[string]string{"Range": "bytes=2-5"})
	require.Equal(t, http.StatusPartialContent, w.Code)
	require.Equal(t, "bytes 2-5/10", w.Header().Get("Content-Range"))
	require.Equal(t, "4", w.Header().Get("Content-Length"))
	require.Equal(t, "2345", w.Body.String())
	require.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))

	// Open-ended range.
	w = serveReq(t, svc, "a/b.bin", map[string]string{"Range": "bytes=7-"})
	require.Equal(t, http.StatusPartialContent, w.Code)
	require.Equal(t, "789", w.Body.String())

	// Suffix range.
	w = serveReq(t, svc, "a/b.bin", map[string]string{"Range": "bytes=-3"})
	require.Equal(t, http.StatusPartialContent, w.Code)
	require.Equal(t, "bytes 7-9/10", w.Header().Get("Content-Range"))

	// End clamped to size-1.
	w = serveReq(t, svc, "a/b.bin", map[string]string{"Range": "bytes=8-99"})
	require.Equal(t, "bytes 8-9/10", w.Header().Get("Content-Range"))

	// Multi-range rejected.
	w = serveReq(t, svc, "a/b.bin", map[string]string{"Range": "bytes=0-1,3-4"})
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	require.Equal(t, "bytes */10", w.Header().Get("Content-Range"))

	// Out of bounds.
	w = serveReq(t, svc, "a/b.bin", map[string]string{"Range": "bytes=10-"})
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)

	// Full read.
	w = serveReq(t, svc, "a/b.bin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, string(content), w.Body.String())
	require.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
}

func TestServe_TraversalDenied(t *testing.T) {
	svc, _ := newService(t)
	req := httptest.NewRequest(http.MethodGet, "/api/file", nil)
	w := httptest.NewRecorder()
	err := svc.Serve(w, req, "../../etc/passwd")
	require.Error(t, err)
}

func TestServe_DownloadDisposition(t *testing.T) {
	svc, root := newService(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "report final.pdf"), []byte("x"), 0o600))

	req := httptest.NewRequest(http.MethodGet, "/api/file?path=report+final.pdf&download=1", nil)
	w := httptest.NewRecorder()
	require.NoError(t, svc.Serve(w, req, "report final.pdf"))
	cd := w.Header().Get("Content-Disposition")
	require.Contains(t, cd, "attachment; filename*=UTF-8''report%20final.pdf")
	require.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
}

func TestServe_BotUnfurl(t *testing.T) {
	svc, root := newService(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "video.mp4"), make([]byte, 2048), 0o600))

	req := httptest.NewRequest(http.MethodGet, "/api/file?path=video.mp4&download=1", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Discordbot/2.0)")
	w := httptest.NewRecorder()
	require.NoError(t, svc.Serve(w, req, "video.mp4"))
	require.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	require.Contains(t, w.Body.String(), `og:title`)
	require.Contains(t, w.Body.String(), "video.mp4")

	// With a Range header the bot gets real bytes.
	req.Header.Set("Range", "bytes=0-0")
	w = httptest.NewRecorder()
	require.NoError(t, svc.Serve(w, req, "video.mp4"))
	require.Equal(t, http.StatusPartialContent, w.Code)
}

func TestServe_RecordsDownloadStats(t *testing.T) {
	svc, root := newService(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "d.bin"), make([]byte, 64), 0o600))
	serveReq(t, svc, "d.bin", nil)
	serveReq(t, svc, "d.bin", nil)
	require.Equal(t, int64(2), svc.stats.DownloadCount("d.bin"))
}

func TestRewritePlaylist(t *testing.T) {
	in := "#EXTM3U\n" +
		"#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\",IV=0x1234\n" +
		"#EXTINF:4.0,\n" +
		"seg_00000.ts\n" +
		"#EXTINF:4.0,\n" +
		"https://cdn.example.com/seg1.ts\n" +
		"#EXTINF:4.0,\n" +
		"data:application/octet-stream;base64,AAAA\n" +
		"sub/seg_00001.ts\n"

	out := RewritePlaylist(in, "videos/movie.m3u8")

	require.Contains(t, out, `URI="/api/file?path=videos%2Fkey.bin"`)
	require.Contains(t, out, ",IV=0x1234", "attributes after URI survive")
	require.Contains(t, out, "/api/file?path=videos%2Fseg_00000.ts")
	require.Contains(t, out, "https://cdn.example.com/seg1.ts")
	require.Contains(t, out, "data:application/octet-stream;base64,AAAA")
	require.Contains(t, out, "/api/file?path=videos%2Fsub%2Fseg_00001.ts")
}

func TestContentTypeTable(t *testing.T) {
	tests := map[string]string{
		"a.html": "text/html; charset=utf-8",
		"a.m3u8": "application/vnd.apple.mpegurl",
		"a.ts":   "video/mp2t",
		"a.MOV":  "video/quicktime",
		"a.bin":  "application/octet-stream",
		"a":      "application/octet-stream",
	}
	for name, want := range tests {
		require.Equal(t, want, ContentTypeFor(name), name)
	}
}

func TestParseRangeTable(t *testing.T) {
	size := int64(100)
	for _, tt := range []struct {
		spec    string
		start   int64
		end     int64
		wantErr bool
	}{
		{"bytes=0-0", 0, 0, false},
		{"bytes=0-99", 0, 99, false},
		{"bytes=50-", 50, 99, false},
		{"bytes=-10", 90, 99, false},
		{"bytes=-200", 0, 99, false},
		{"bytes=99-50", 0, 0, true},
		{"bytes=100-", 0, 0, true},
		{"bytes=a-b", 0, 0, true},
		{"items=0-1", 0, 0, true},
		{"bytes=-0", 0, 0, true},
	} {
		r, err := parseRange(tt.spec, size)
		if tt.wantErr {
			require.Error(t, err, tt.spec)
			continue
		}
		require.NoError(t, err, tt.spec)
		require.Equal(t, tt.start, r.start, tt.spec)
		require.Equal(t, tt.end, r.end, tt.spec)
	}
}
