// SPDX-License-Identifier: MIT

package fileio

import (
	"fmt"
	"html"
	"net/http"
	"net/url"
	"path"
)

// serveUnfurl renders an OpenGraph/Twitter-card HTML page for preview
// crawlers so chat clients can show file name, size and download count
// instead of fetching the binary.
func (s *Service) serveUnfurl(w http.ResponseWriter, r *http.Request, rel string, size int64) {
	name := path.Base(rel)
	count := s.stats.DownloadCount(rel)
	fileURL := "/api/file?path=" + url.QueryEscape(rel) + "&download=1"
	desc := fmt.Sprintf("%s — %s, %d downloads", name, formatSize(size), count)

	escName := html.EscapeString(name)
	escDesc := html.EscapeString(desc)
	escURL := html.EscapeString(fileURL)

	page := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
<meta property="og:type" content="website">
<meta property="og:title" content="%s">
<meta property="og:description" content="%s">
<meta property="og:url" content="%s">
<meta name="twitter:card" content="summary">
<meta name="twitter:title" content="%s">
<meta name="twitter:description" content="%s">
</head>
<body>
<p><a href="%s">%s</a></p>
</body>
</html>
`, escName, escName, escDesc, escURL, escName, escDesc, escURL, escName)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte(page))
	}
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
