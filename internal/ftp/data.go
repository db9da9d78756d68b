// SPDX-License-Identifier: MIT

package ftp

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/renameio/v2"
)

const (
	// dataConnectWait bounds how long a transfer waits for the client to
	// open the passive data connection.
	dataConnectWait = 10 * time.Second
	// storTimeout bounds a complete STOR upload.
	storTimeout = 60 * time.Second
)

// dataChannel is one passive-mode listener plus its eventual accepted
// connection. Only one exists per session at a time.
type dataChannel struct {
	ln    net.Listener
	ready chan net.Conn
	port  int
}

// openPassive allocates a listener on the first free port of the configured
// range.
func (s *session) openPassive() (*dataChannel, error) {
	cfg := s.engine.config()
	for port := cfg.PasvPortMin; port <= cfg.PasvPortMax; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		dc := &dataChannel{ln: ln, ready: make(chan net.Conn, 1), port: port}
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				close(dc.ready)
				return
			}
			dc.ready <- conn
		}()
		return dc, nil
	}
	return nil, fmt.Errorf("no free port in %d-%d", cfg.PasvPortMin, cfg.PasvPortMax)
}

// wait blocks for the client's data connection.
func (dc *dataChannel) wait() (net.Conn, error) {
	select {
	case conn, ok := <-dc.ready:
		if !ok {
			return nil, fmt.Errorf("data listener closed")
		}
		return conn, nil
	case <-time.After(dataConnectWait):
		return nil, fmt.Errorf("timed out waiting for data connection")
	}
}

func (dc *dataChannel) close() {
	dc.ln.Close()
	select {
	case conn, ok := <-dc.ready:
		if ok {
			conn.Close()
		}
	default:
	}
}

func (s *session) closeData() {
	if s.data != nil {
		s.data.close()
		s.data = nil
	}
}

func (s *session) handlePasv(extended bool) {
	s.closeData()
	dc, err := s.openPassive()
	if err != nil {
		s.reply(425, "Cannot open passive connection")
		return
	}
	s.data = dc
	if extended {
		s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", dc.port))
		return
	}
	ip := s.engine.advertiseIP(s.conn.RemoteAddr()).To4()
	if ip == nil {
		ip = net.IPv4(127, 0, 0, 1).To4()
	}
	s.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d)",
		ip[0], ip[1], ip[2], ip[3], dc.port>>8, dc.port&0xff))
}

// withDataConn runs fn against the accepted data connection and always tears
// the channel down afterwards.
func (s *session) withDataConn(fn func(net.Conn) error) error {
	if s.data == nil {
		s.reply(425, "Use PASV first")
		return fmt.Errorf("no data channel")
	}
	defer s.closeData()
	conn, err := s.data.wait()
	if err != nil {
		s.reply(425, "Data connection failed")
		return err
	}
	defer conn.Close()
	return fn(conn)
}

func (s *session) handleRetr(arg string) {
	rel := s.resolveRel(arg)
	if rel == "" || !s.accessible(rel) {
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
	f, err := os.Open(abs) // #nosec G304 -- path is guard-resolved
	if err != nil {
		s.reply(550, "File not available")
		return
	}
	defer f.Close()

	s.reply(150, "Opening data connection")
	err = s.withDataConn(func(conn net.Conn) error {
		_, err := io.Copy(conn, f)
		return err
	})
	if err != nil {
		s.reply(426, "Transfer failed")
		return
	}
	s.logger.Info().Str("event", "ftp.retr").Str("path", rel).Int64("size", info.Size()).Msg("file sent")
	s.reply(226, "Transfer complete")
}

func (s *session) handleStor(arg string) {
	if !s.requireWrite() {
		return
	}
	rel := s.resolveRel(arg)
	if rel == "" || !s.accessible(rel) {
		s.reply(550, "Cannot store")
		return
	}
	abs, err := s.engine.guard.ResolveWrite(rel)
	if err != nil {
		s.reply(550, "Cannot store")
		return
	}

	s.reply(150, "Ready to receive")
	var written int64
	err = s.withDataConn(func(conn net.Conn) error {
		_ = conn.SetReadDeadline(time.Now().Add(storTimeout))
		pending, err := renameio.NewPendingFile(abs)
		if err != nil {
			return err
		}
		defer pending.Cleanup()
		n, err := io.Copy(pending, conn)
		if err != nil {
			return err
		}
		written = n
		return pending.CloseAtomicallyReplace()
	})
	if err != nil {
		s.reply(426, "Transfer failed")
		return
	}
	s.logger.Info().Str("event", "ftp.stor").Str("path", rel).Int64("size", written).Msg("file stored")
	s.reply(226, "Transfer complete")
}
