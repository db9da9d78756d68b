// SPDX-License-Identifier: MIT

package upload

import (
	"bytes"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gamelist1990/FileShare/internal/pathguard"
	"github.com/gamelist1990/FileShare/internal/settings"
	"github.com/gamelist1990/FileShare/internal/stats"
)

func newService(t *testing.T) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	guard, err := pathguard.New(root)
	require.NoError(t, err)
	store, err := settings.Open(root)
	require.NoError(t, err)
	return NewService(guard, store, stats.New()), guard.Root()
}

func multipartBody(t *testing.T, filename, dir string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if dir != "" {
		require.NoError(t, w.WriteField("path", dir))
	}
	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestIngest_Basic(t *testing.T) {
	svc, root := newService(t)
	body, ct := multipartBody(t, "hello.txt", "", []byte("hi there"))
	req := httptest.NewRequest("POST", "/api/upload", body)
	req.Header.Set("Content-Type", ct)

	res, err := svc.Ingest(req)
	require.NoError(t, err)
	require.Equal(t, "hello.txt", res.Path)
	require.Equal(t, int64(8), res.Size)

	got, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi there", string(got))
}

func TestIngest_UniqueNameAllocation(t *testing.T) {
	svc, root := newService(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "b.txt"), []byte("old"), 0o600))

	// Uploading "a/b.txt" into docs where docs/b.txt already exists.
	body, ct := multipartBody(t, "a/b.txt", "docs", []byte("abc"))
	req := httptest.NewRequest("POST", "/api/upload", body)
	req.Header.Set("Content-Type", ct)

	res, err := svc.Ingest(req)
	require.NoError(t, err)
	require.Equal(t, "docs/b (1).txt", res.Path)

	got, err := os.ReadFile(filepath.Join(root, "docs", "b (1).txt"))
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))

	// Probing continues incrementally.
	body, ct = multipartBody(t, "b.txt", "docs", []byte("xyz"))
	req = httptest.NewRequest("POST", "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	res, err = svc.Ingest(req)
	require.NoError(t, err)
	require.Equal(t, "docs/b (2).txt", res.Path)
}

func TestIngest_MissingDirectoryRejected(t *testing.T) {
	svc, _ := newService(t)
	body, ct := multipartBody(t, "x.txt", "nodir", []byte("x"))
	req := httptest.NewRequest("POST", "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	_, err := svc.Ingest(req)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestIngest_DeclaredLengthOverMax(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, svc.store.Update(ModuleName, Settings{MaxFileSizeBytes: 4}))

	body, ct := multipartBody(t, "big.bin", "", []byte("morethanfour"))
	req := httptest.NewRequest("POST", "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	_, err := svc.Ingest(req)
	require.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestIngest_QuotaExhausted(t *testing.T) {
	svc, root := newService(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "existing.bin"), make([]byte, 100), 0o600))
	require.NoError(t, svc.store.Update(ModuleName, Settings{MaxFileSizeBytes: 1 << 20, DirectoryQuotaBytes: 100}))

	body, ct := multipartBody(t, "more.bin", "", []byte("x"))
	req := httptest.NewRequest("POST", "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	_, err := svc.Ingest(req)
	require.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestDiskInfo_QuotaScope(t *testing.T) {
	svc, root := newService(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.bin"), make([]byte, 60), 0o600))
	require.NoError(t, svc.store.Update(ModuleName, Settings{MaxFileSizeBytes: 1 << 20, DirectoryQuotaBytes: 100}))

	info := svc.DiskInfo()
	require.Equal(t, ScopeQuota, info.Scope)
	require.Equal(t, int64(100), info.Total)
	require.GreaterOrEqual(t, info.Used, int64(60))
	require.LessOrEqual(t, info.Free, int64(40))

	// The walk is cached; invalidation forces a fresh count.
	require.NoError(t, os.WriteFile(filepath.Join(root, "g.bin"), make([]byte, 40), 0o600))
	cached := svc.DiskInfo()
	require.Equal(t, info.Used, cached.Used)
	svc.InvalidateUsage()
	fresh := svc.DiskInfo()
	require.GreaterOrEqual(t, fresh.Used, int64(100))
}

func TestDiskInfo_DiskScope(t *testing.T) {
	svc, _ := newService(t)
	info := svc.DiskInfo()
	require.Equal(t, ScopeDisk, info.Scope)
	require.Positive(t, info.Total)
	require.Positive(t, info.Free)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"report.pdf", "report.pdf", false},
		{"a/b.txt", "b.txt", false},
		{`a\b.txt`, "b.txt", false},
		{"we?ird*na:me.txt", "we_ird_na_me.txt", false},
		{"ctrl\x01char.txt", "ctrlchar.txt", false},
		{"  spaced.txt  ", "spaced.txt", false},
		{".", "", true},
		{"..", "", true},
		{"", "", true},
		{"\x00\x01", "", true},
	}
	for _, tt := range tests {
		got, err := SanitizeFilename(tt.in)
		if tt.wantErr {
			require.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		require.Equal(t, tt.want, got, "input %q", tt.in)
		require.False(t, strings.ContainsAny(got, forbiddenChars))
	}
}
