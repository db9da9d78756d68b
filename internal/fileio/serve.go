// SPDX-License-Identifier: MIT

package fileio

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gamelist1990/FileShare/internal/log"
)

// socialBotSubstrings identify preview crawlers that should receive an HTML
// unfurl page instead of the binary when a forced download is requested.
var socialBotSubstrings = []string{
	"discordbot",
	"slackbot",
	"twitterbot",
	"facebookexternalhit",
	"linkedinbot",
	"whatsapp",
	"telegrambot",
	"line",
	"skypeuripreview",
}

func isSocialBot(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, sub := range socialBotSubstrings {
		if strings.Contains(ua, sub) {
			return true
		}
	}
	return false
}

func wantsDownload(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("download")) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Serve handles GET/HEAD for one file. Resolution or policy failures are
// returned for the API layer to map; once the response is started all
// errors terminate the stream.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request, relPath string) error {
	abs, err := s.guard.Resolve(relPath)
	if err != nil {
		return err
	}
	rel, err := s.guard.Rel(abs)
	if err != nil {
		return err
	}
	if s.blocks.Blocked(rel) {
		return ErrBlocked
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return ErrNotFound
	}

	logger := log.WithComponentFromContext(r.Context(), "fileio")
	w.Header().Set("Accept-Ranges", "bytes")

	// Preview crawlers asking for a forced download get an unfurl page,
	// unless they are after actual bytes (Range present).
	if wantsDownload(r) && r.Header.Get("Range") == "" && isSocialBot(r.Header.Get("User-Agent")) {
		s.serveUnfurl(w, r, rel, info.Size())
		return nil
	}

	name := info.Name()
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".m3u8" || ext == ".m3u" {
		return s.servePlaylist(w, r, abs, rel)
	}

	w.Header().Set("Content-Type", ContentTypeFor(name))
	if wantsDownload(r) {
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(name)))
	}

	size := info.Size()
	var rng *byteRange
	if spec := r.Header.Get("Range"); spec != "" {
		rng, err = parseRange(spec, size)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return nil
		}
	}

	// #nosec G304 -- abs is validated by the path guard
	f, err := os.Open(abs)
	if err != nil {
		return ErrNotFound
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warn().Err(err).Str("path", rel).Msg("failed to close file")
		}
	}()

	if rng != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.start, rng.end, size))
		w.Header().Set("Content-Length", fmt.Sprintf("%d", rng.length()))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method == http.MethodHead {
			return nil
		}
		if _, err := f.Seek(rng.start, io.SeekStart); err != nil {
			return nil
		}
		n, copyErr := io.CopyN(w, f, rng.length())
		s.stats.RecordDownload(rel, n)
		if copyErr != nil {
			logger.Debug().Err(copyErr).Str("path", rel).Msg("range stream ended early")
		}
		return nil
	}

	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}
	n, copyErr := io.Copy(w, f)
	s.stats.RecordDownload(rel, n)
	if copyErr != nil {
		logger.Debug().Err(copyErr).Str("path", rel).Msg("stream ended early")
	}
	return nil
}
