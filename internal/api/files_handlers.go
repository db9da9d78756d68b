// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	result, err := s.uploads.Ingest(r)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "file": result})
}

type mkdirRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req mkdirRequest
	if err := decodeBody(w, r, &req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := s.files.Mkdir(req.Path)
	if err != nil {
		writeFileError(w, err)
		return
	}
	s.uploads.InvalidateUsage()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": created})
}

type renameRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeBody(w, r, &req); err != nil || req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	moved, err := s.files.Rename(req.From, req.To)
	if err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": moved})
}

type deleteRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeBody(w, r, &req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.files.Delete(req.Path); err != nil {
		writeFileError(w, err)
		return
	}
	s.uploads.InvalidateUsage()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
