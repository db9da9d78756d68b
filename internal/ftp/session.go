// SPDX-License-Identifier: MIT

package ftp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gamelist1990/FileShare/internal/auth"
	"github.com/gamelist1990/FileShare/internal/settings"
)

const (
	// controlIdle closes sessions whose control channel stays silent.
	controlIdle = 5 * time.Minute
	// maxLineLen bounds one control-channel command line.
	maxLineLen = 4096
)

type session struct {
	engine *Engine
	conn   net.Conn
	reader *bufio.Reader
	logger zerolog.Logger

	authed      bool
	anonymous   bool
	username    string
	pendingUser string

	cwd        string // forward-slash, relative to the share root
	renameFrom string
	data       *dataChannel
}

func newSession(e *Engine, conn net.Conn) *session {
	return &session{
		engine: e,
		conn:   conn,
		reader: bufio.NewReaderSize(conn, maxLineLen),
		logger: e.logger.With().Str("peer", conn.RemoteAddr().String()).Logger(),
	}
}

func (s *session) reply(code int, msg string) {
	fmt.Fprintf(s.conn, "%d %s\r\n", code, msg)
}

func (s *session) replyLines(code int, header string, lines []string, footer string) {
	fmt.Fprintf(s.conn, "%d-%s\r\n", code, header)
	for _, line := range lines {
		fmt.Fprintf(s.conn, " %s\r\n", line)
	}
	fmt.Fprintf(s.conn, "%d %s\r\n", code, footer)
}

func (s *session) run(ctx context.Context) {
	defer s.conn.Close()
	defer s.closeData()

	s.reply(220, "FileShare FTP ready")
	for {
		if ctx.Err() != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(controlIdle))
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		cmd, arg := splitCommand(line)
		if cmd == "" {
			continue
		}
		if quit := s.dispatch(cmd, arg); quit {
			return
		}
	}
}

func splitCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(strings.TrimSpace(cmd)), strings.TrimSpace(arg)
}

// dispatch runs one command and reports whether the session should end.
func (s *session) dispatch(cmd, arg string) bool {
	switch cmd {
	case "QUIT":
		s.reply(221, "Goodbye")
		return true
	case "USER":
		s.handleUser(arg)
		return false
	case "PASS":
		s.handlePass(arg)
		return false
	case "FEAT":
		s.replyLines(211, "Features:", []string{"UTF8", "SIZE", "MDTM", "MLSD", "EPSV", "REST STREAM"}, "End")
		return false
	case "OPTS":
		if strings.EqualFold(arg, "UTF8 ON") {
			s.reply(200, "UTF8 mode enabled")
		} else {
			s.reply(501, "Option not understood")
		}
		return false
	case "AUTH":
		s.reply(504, "TLS not supported")
		return false
	case "NOOP":
		s.reply(200, "OK")
		return false
	}

	if !s.authed {
		s.reply(530, "Please login with USER and PASS")
		return false
	}

	switch cmd {
	case "SYST":
		s.reply(215, "UNIX Type: L8")
	case "TYPE":
		switch strings.ToUpper(arg) {
		case "I":
			s.reply(200, "Type set to I")
		case "A":
			s.reply(200, "Type set to A")
		default:
			s.reply(504, "Type not supported")
		}
	case "PWD", "XPWD":
		s.reply(257, fmt.Sprintf("%q is the current directory", "/"+s.cwd))
	case "CWD", "XCWD":
		s.handleCwd(arg)
	case "CDUP", "XCUP":
		s.handleCwd("..")
	case "PASV":
		s.handlePasv(false)
	case "EPSV":
		s.handlePasv(true)
	case "PORT", "EPRT":
		s.reply(502, "Active mode not supported")
	case "LIST":
		s.handleList(arg, listLong)
	case "MLSD":
		s.handleList(arg, listMachine)
	case "NLST":
		s.handleList(arg, listNames)
	case "RETR":
		s.handleRetr(arg)
	case "STOR":
		s.handleStor(arg)
	case "SIZE":
		s.handleSize(arg)
	case "MDTM":
		s.handleMdtm(arg)
	case "MKD", "XMKD":
		s.handleMkd(arg)
	case "RMD", "XRMD":
		s.handleRemove(arg, true)
	case "DELE":
		s.handleRemove(arg, false)
	case "RNFR":
		s.handleRnfr(arg)
	case "RNTO":
		s.handleRnto(arg)
	case "ABOR":
		s.closeData()
		s.reply(226, "Transfer aborted")
	case "REST":
		// Acknowledged for client compatibility; transfers always start
		// at offset zero.
		s.reply(350, "Restart position noted")
	case "STAT":
		s.reply(211, "FileShare FTP server status: OK")
	case "HELP":
		s.reply(214, "Commands: USER PASS QUIT FEAT OPTS SYST TYPE PWD CWD CDUP PASV EPSV LIST MLSD NLST RETR STOR SIZE MDTM MKD RMD DELE RNFR RNTO NOOP ABOR REST STAT")
	default:
		s.reply(502, "Command not implemented")
	}
	return false
}

func isAnonymousName(name string) bool {
	lower := strings.ToLower(name)
	return lower == "anonymous" || lower == "anon" || lower == "ftp"
}

func (s *session) handleUser(arg string) {
	if arg == "" {
		s.reply(501, "USER requires a name")
		return
	}
	cfg := s.engine.config()
	if cfg.AnonymousRead && isAnonymousName(arg) {
		s.authed = true
		s.anonymous = true
		s.username = "anonymous"
		s.pendingUser = ""
		s.reply(230, "Anonymous access granted, read-only")
		return
	}
	s.pendingUser = arg
	s.reply(331, "Password required")
}

func (s *session) handlePass(arg string) {
	if s.authed {
		s.reply(230, "Already logged in")
		return
	}
	if s.pendingUser == "" {
		s.reply(503, "Send USER first")
		return
	}
	err := s.engine.users.Authenticate(s.pendingUser, arg)
	switch {
	case err == nil:
		s.authed = true
		s.username = s.pendingUser
		s.pendingUser = ""
		s.logger.Info().Str("event", "ftp.login").Str("username", s.username).Msg("session authenticated")
		s.reply(230, "Logged in")
	case errors.Is(err, auth.ErrNotApproved):
		s.pendingUser = ""
		s.reply(530, "Account not approved")
	default:
		s.pendingUser = ""
		s.reply(530, "Login incorrect")
	}
}

// resolveRel maps an FTP path argument to the share-relative form. Arguments
// starting with "/" are root-relative, everything else is cwd-relative.
func (s *session) resolveRel(arg string) string {
	var rel string
	if strings.HasPrefix(arg, "/") {
		rel = strings.TrimPrefix(arg, "/")
	} else if arg == "" {
		rel = s.cwd
	} else {
		rel = path.Join(s.cwd, arg)
	}
	rel = path.Clean("/" + rel)
	return strings.TrimPrefix(rel, "/")
}

// accessible rejects state-directory access and blocked targets.
func (s *session) accessible(rel string) bool {
	first, _, _ := strings.Cut(rel, "/")
	if first == settings.StateDirName {
		return false
	}
	return !s.engine.blocks.Blocked(rel)
}

func (s *session) handleCwd(arg string) {
	rel := s.resolveRel(arg)
	if rel != "" && !s.accessible(rel) {
		s.reply(550, "Directory not available")
		return
	}
	abs, err := s.engine.guard.Resolve(rel)
	if err != nil {
		s.reply(550, "Directory not available")
		return
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		s.reply(550, "Directory not available")
		return
	}
	s.cwd = rel
	s.reply(250, "Directory changed")
}

func (s *session) handleSize(arg string) {
	rel := s.resolveRel(arg)
	if !s.accessible(rel) {
		s.reply(550, "File not available")
		return
	}
	abs, err := s.engine.guard.Resolve(rel)
	if err != nil {
		s.reply(550, "File not available")
		return
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		s.reply(550, "File not available")
		return
	}
	s.reply(213, fmt.Sprintf("%d", info.Size()))
}

func (s *session) handleMdtm(arg string) {
	rel := s.resolveRel(arg)
	if !s.accessible(rel) {
		s.reply(550, "File not available")
		return
	}
	abs, err := s.engine.guard.Resolve(rel)
	if err != nil {
		s.reply(550, "File not available")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		s.reply(550, "File not available")
		return
	}
	s.reply(213, info.ModTime().UTC().Format("20060102150405"))
}

func (s *session) requireWrite() bool {
	if s.anonymous {
		s.reply(550, "Permission denied")
		return false
	}
	return true
}

func (s *session) handleMkd(arg string) {
	if !s.requireWrite() {
		return
	}
	rel := s.resolveRel(arg)
	if rel == "" || !s.accessible(rel) {
		s.reply(550, "Cannot create directory")
		return
	}
	abs, err := s.engine.guard.ResolveWrite(rel)
	if err != nil {
		s.reply(550, "Cannot create directory")
		return
	}
	if err := os.Mkdir(abs, 0o750); err != nil {
		s.reply(550, "Cannot create directory")
		return
	}
	s.reply(257, fmt.Sprintf("%q created", "/"+rel))
}

func (s *session) handleRemove(arg string, wantDir bool) {
	if !s.requireWrite() {
		return
	}
	rel := s.resolveRel(arg)
	if rel == "" || !s.accessible(rel) {
		s.reply(550, "Cannot remove")
		return
	}
	abs, err := s.engine.guard.Resolve(rel)
	if err != nil {
		s.reply(550, "Cannot remove")
		return
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() != wantDir {
		s.reply(550, "Cannot remove")
		return
	}
	if err := os.Remove(abs); err != nil {
		s.reply(550, "Cannot remove")
		return
	}
	s.reply(250, "Removed")
}

func (s *session) handleRnfr(arg string) {
	if !s.requireWrite() {
		return
	}
	rel := s.resolveRel(arg)
	if rel == "" || !s.accessible(rel) {
		s.reply(550, "Source not available")
		return
	}
	if _, err := s.engine.guard.Resolve(rel); err != nil {
		s.reply(550, "Source not available")
		return
	}
	s.renameFrom = rel
	s.reply(350, "Ready for destination")
}

func (s *session) handleRnto(arg string) {
	if !s.requireWrite() {
		return
	}
	if s.renameFrom == "" {
		s.reply(503, "Send RNFR first")
		return
	}
	from := s.renameFrom
	s.renameFrom = ""
	rel := s.resolveRel(arg)
	if rel == "" || !s.accessible(rel) {
		s.reply(550, "Rename failed")
		return
	}
	srcAbs, err := s.engine.guard.Resolve(from)
	if err != nil {
		s.reply(550, "Rename failed")
		return
	}
	dstAbs, err := s.engine.guard.ResolveWrite(rel)
	if err != nil {
		s.reply(550, "Rename failed")
		return
	}
	if err := os.Rename(srcAbs, dstAbs); err != nil {
		s.reply(550, "Rename failed")
		return
	}
	s.reply(250, "Rename successful")
}
