// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gamelist1990/FileShare/internal/auth"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(out)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid request body"})
		return
	}
	user, err := s.users.Register(req.Username, req.Password, s.clientIP(r))
	if err != nil {
		status := http.StatusBadRequest
		msg := "invalid username or password"
		if errors.Is(err, auth.ErrDuplicateUser) {
			msg = "username already taken"
		}
		writeJSON(w, status, map[string]any{"ok": false, "error": msg})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": user.Status})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid request body"})
		return
	}
	sess, err := s.users.Login(req.Username, req.Password, s.clientIP(r))
	if err != nil {
		msg := "invalid credentials"
		if errors.Is(err, auth.ErrNotApproved) {
			msg = "account pending approval"
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": msg})
		return
	}
	user, _ := s.users.UserByName(sess.CurrentUsername)
	opLevel := auth.OpLevelUser
	if user != nil {
		opLevel = user.OpLevel
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"token":    sess.Token,
		"username": sess.CurrentUsername,
		"oplevel":  opLevel,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.users.Logout(r.Header.Get("Authorization"))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleAuthStatus reports the session behind the (optional) bearer token.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.VerifyToken(r.Header.Get("Authorization"))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"username":      user.Username,
		"oplevel":       user.OpLevel,
	})
}
