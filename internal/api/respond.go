// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gamelist1990/FileShare/internal/fileio"
	"github.com/gamelist1990/FileShare/internal/hls"
	"github.com/gamelist1990/FileShare/internal/pathguard"
	"github.com/gamelist1990/FileShare/internal/upload"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeRateLimited(w http.ResponseWriter, retryAfterSec int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

// writeFileError maps file-serving error kinds onto the documented HTTP
// surface. Traversal and blocked targets use the shared denial message so the
// reason never leaks.
func writeFileError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pathguard.ErrDenied):
		writeError(w, http.StatusForbidden, "Not found or access denied")
	case errors.Is(err, fileio.ErrBlocked):
		writeError(w, http.StatusForbidden, "blocked")
	case errors.Is(err, fileio.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, fileio.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid input")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeStreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hls.ErrTranscoderMissing):
		writeError(w, http.StatusNotImplemented, "transcoder not available")
	case errors.Is(err, hls.ErrNotEligible):
		writeError(w, http.StatusBadRequest, "source not streamable")
	case errors.Is(err, hls.ErrInvalidSegment):
		writeError(w, http.StatusBadRequest, "invalid segment name")
	case errors.Is(err, hls.ErrNotFound), errors.Is(err, pathguard.ErrDenied):
		writeError(w, http.StatusNotFound, "Not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, upload.ErrQuotaExceeded):
		writeError(w, http.StatusRequestEntityTooLarge, "quota exceeded")
	case errors.Is(err, upload.ErrInsufficientStorage):
		writeError(w, http.StatusInsufficientStorage, "insufficient storage")
	case errors.Is(err, upload.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid upload")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
