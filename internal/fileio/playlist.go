// SPDX-License-Identifier: MIT

package fileio

import (
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
)

var uriAttrRe = regexp.MustCompile(`URI="([^"]*)"`)

// servePlaylist reads an .m3u8/.m3u as UTF-8 and rewrites every segment URI
// to route back through /api/file. Safari resolves segment URIs against the
// fetched playlist URL, which would otherwise escape the API.
func (s *Service) servePlaylist(w http.ResponseWriter, r *http.Request, abs, rel string) error {
	raw, err := os.ReadFile(abs)
	if err != nil {
		return ErrNotFound
	}
	rewritten := RewritePlaylist(string(raw), rel)

	w.Header().Set("Content-Type", ContentTypeFor(abs))
	w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}
	n, _ := w.Write([]byte(rewritten))
	s.stats.RecordDownload(rel, int64(n))
	return nil
}

// RewritePlaylist rewrites non-comment URI lines and URI="…" attributes.
// External, data and blob URIs pass through untouched; relative URIs are
// resolved against the playlist location and emitted as API paths.
func RewritePlaylist(content, playlistRel string) string {
	base := path.Dir(playlistRel)
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			// Attribute rewrite preserves the rest of the tag line.
			lines[i] = uriAttrRe.ReplaceAllStringFunc(line, func(m string) string {
				sub := uriAttrRe.FindStringSubmatch(m)
				return `URI="` + rewriteURI(sub[1], base) + `"`
			})
			continue
		}
		lines[i] = strings.Replace(line, trimmed, rewriteURI(trimmed, base), 1)
	}
	return strings.Join(lines, "\n")
}

func rewriteURI(uri, base string) string {
	if uri == "" || isExternalURI(uri) {
		return uri
	}
	resolved := path.Clean(path.Join(base, uri))
	resolved = strings.TrimPrefix(resolved, "./")
	return "/api/file?path=" + url.QueryEscape(resolved)
}

func isExternalURI(uri string) bool {
	lower := strings.ToLower(uri)
	if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "blob:") {
		return true
	}
	if strings.HasPrefix(uri, "//") || strings.HasPrefix(uri, "/") {
		return true
	}
	if u, err := url.Parse(uri); err == nil && u.Scheme != "" {
		return true
	}
	return false
}
