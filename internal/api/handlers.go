// SPDX-License-Identifier: MIT

package api

import (
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	speedtestDefaultBytes = 10 << 20
	speedtestMaxBytes     = 100 << 20
	speedtestChunk        = 64 << 10
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptimeSec": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	entries, err := s.files.List(rel)
	if err != nil {
		writeFileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": entries})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if err := s.files.Serve(w, r, r.URL.Query().Get("path")); err != nil {
		writeFileError(w, err)
	}
}

func (s *Server) handleDisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.uploads.DiskInfo())
}

func (s *Server) handleStreamPlaylist(w http.ResponseWriter, r *http.Request) {
	if err := s.streamer.ServePlaylist(w, r, r.URL.Query().Get("path")); err != nil {
		writeStreamError(w, err)
	}
}

func (s *Server) handleStreamSegment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := s.streamer.ServeSegment(w, r, q.Get("path"), q.Get("file")); err != nil {
		writeStreamError(w, err)
	}
}

// handleSpeedtestDownload streams zero-filled chunks so the SPA can estimate
// downlink bandwidth. The traffic is sampled but never counted as a file
// download.
func (s *Server) handleSpeedtestDownload(w http.ResponseWriter, r *http.Request) {
	size := int64(speedtestDefaultBytes)
	if raw := r.URL.Query().Get("size"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid size")
			return
		}
		size = parsed
	}
	if size > speedtestMaxBytes {
		size = speedtestMaxBytes
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Cache-Control", "no-store")

	chunk := make([]byte, speedtestChunk)
	var sent int64
	for sent < size {
		n := int64(len(chunk))
		if remaining := size - sent; remaining < n {
			n = remaining
		}
		if _, err := w.Write(chunk[:n]); err != nil {
			break
		}
		sent += n
	}
	s.stats.RecordSample(sent, 0)
}

// handleSpeedtestUpload discards the request body, reporting how many bytes
// arrived.
func (s *Server) handleSpeedtestUpload(w http.ResponseWriter, r *http.Request) {
	received, err := io.Copy(io.Discard, io.LimitReader(r.Body, speedtestMaxBytes))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "upload interrupted")
		return
	}
	s.stats.RecordSample(0, received)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "bytes": received})
}
