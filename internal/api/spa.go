// SPDX-License-Identifier: MIT

package api

import (
	"embed"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

//go:embed web
var spaAssets embed.FS

// mountSPA serves the embedded front-end: /index.js is the bundle, every
// unknown path falls through to the HTML shell so client-side routing works.
func (s *Server) mountSPA(r chi.Router) {
	r.Get("/index.js", func(w http.ResponseWriter, req *http.Request) {
		serveAsset(w, "web/index.js", "application/javascript; charset=utf-8")
	})
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		if strings.HasPrefix(req.URL.Path, "/api/") {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		serveAsset(w, "web/index.html", "text/html; charset=utf-8")
	})
}

func serveAsset(w http.ResponseWriter, name, contentType string) {
	data, err := spaAssets.ReadFile(name)
	if err != nil {
		http.Error(w, "asset missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}
