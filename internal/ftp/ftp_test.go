// SPDX-License-Identifier: MIT

package ftp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gamelist1990/FileShare/internal/auth"
	"github.com/gamelist1990/FileShare/internal/pathguard"
	"github.com/gamelist1990/FileShare/internal/settings"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testServer struct {
	engine *Engine
	users  *auth.Store
	root   string
	addr   string
	cancel context.CancelFunc
	done   chan struct{}
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	guard, err := pathguard.New(root)
	require.NoError(t, err)
	store, err := settings.Open(root)
	require.NoError(t, err)
	stateDir := filepath.Join(guard.Root(), settings.StateDirName)
	blocks, err := pathguard.OpenBlockList(stateDir)
	require.NoError(t, err)
	users, err := auth.Open(stateDir)
	require.NoError(t, err)

	engine := NewEngine(guard, blocks, users, store)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Serve(ctx, ln)
	}()
	srv := &testServer{
		engine: engine,
		users:  users,
		root:   guard.Root(),
		addr:   ln.Addr().String(),
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(func() {
		cancel()
		<-done
		_ = users.Flush()
	})
	return srv
}

type ftpClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialControl(t *testing.T, srv *testServer) *ftpClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.addr)
	require.NoError(t, err)
	c := &ftpClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	t.Cleanup(func() { conn.Close() })
	code, _ := c.readReply()
	require.Equal(t, 220, code)
	return c
}

func (c *ftpClient) send(line string) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\r\n", line)
	require.NoError(c.t, err)
}

// readReply consumes one (possibly multi-line) reply.
func (c *ftpClient) readReply() (int, string) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		line, err := c.r.ReadString('\n')
		require.NoError(c.t, err)
		line = strings.TrimRight(line, "\r\n")
		if len(line) >= 4 && line[3] == ' ' {
			if code, err := strconv.Atoi(line[:3]); err == nil {
				return code, line[4:]
			}
		}
	}
}

func (c *ftpClient) cmd(line string) (int, string) {
	c.t.Helper()
	c.send(line)
	return c.readReply()
}

func (c *ftpClient) quit() {
	code, _ := c.cmd("QUIT")
	require.Equal(c.t, 221, code)
}

// pasvDial parses a 227 reply and opens the data connection.
func (c *ftpClient) pasvDial() net.Conn {
	c.t.Helper()
	code, msg := c.cmd("PASV")
	require.Equal(c.t, 227, code)
	open := strings.Index(msg, "(")
	closing := strings.Index(msg, ")")
	require.True(c.t, open >= 0 && closing > open, "malformed PASV reply %q", msg)
	parts := strings.Split(msg[open+1:closing], ",")
	require.Len(c.t, parts, 6)
	hi, err := strconv.Atoi(parts[4])
	require.NoError(c.t, err)
	lo, err := strconv.Atoi(parts[5])
	require.NoError(c.t, err)
	host := strings.Join(parts[:4], ".")
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, hi*256+lo))
	require.NoError(c.t, err)
	return conn
}

func readAll(t *testing.T, conn net.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var b strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		b.Write(buf[:n])
		if err != nil {
			return b.String()
		}
	}
}

func TestAnonymousSessionListing(t *testing.T) {
	srv := startServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(srv.root, "readme.txt"), []byte("hello"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(srv.root, "music"), 0o750))

	c := dialControl(t, srv)
	code, _ := c.cmd("USER anon")
	require.Equal(t, 230, code)
	code, _ = c.cmd("PASS x")
	require.Equal(t, 230, code)
	code, _ = c.cmd("TYPE I")
	require.Equal(t, 200, code)

	data := c.pasvDial()
	code, _ = c.cmd("LIST")
	require.Equal(t, 150, code)
	listing := readAll(t, data)
	code, _ = c.readReply()
	require.Equal(t, 226, code)

	require.Contains(t, listing, "readme.txt")
	require.Contains(t, listing, "music")
	// The state directory never appears in listings.
	require.NotContains(t, listing, settings.StateDirName)

	c.quit()
}

func TestAnonymousWritesDenied(t *testing.T) {
	srv := startServer(t)
	c := dialControl(t, srv)
	code, _ := c.cmd("USER anonymous")
	require.Equal(t, 230, code)

	for _, line := range []string{"STOR x.txt", "MKD newdir", "DELE x.txt", "RMD music", "RNFR x.txt"} {
		code, _ := c.cmd(line)
		require.Equal(t, 550, code, "command %q", line)
	}
	c.quit()
}

func TestVerifiedLoginAndTransfer(t *testing.T) {
	srv := startServer(t)
	_, err := srv.users.Register("carol", "sekret", "127.0.0.1")
	require.NoError(t, err)
	require.NoError(t, srv.users.Approve("carol"))

	c := dialControl(t, srv)
	code, _ := c.cmd("USER carol")
	require.Equal(t, 331, code)
	code, _ = c.cmd("PASS wrong")
	require.Equal(t, 530, code)

	code, _ = c.cmd("USER carol")
	require.Equal(t, 331, code)
	code, _ = c.cmd("PASS sekret")
	require.Equal(t, 230, code)

	// STOR round-trips through RETR.
	data := c.pasvDial()
	code, _ = c.cmd("STOR notes.txt")
	require.Equal(t, 150, code)
	_, err = data.Write([]byte("uploaded over ftp"))
	require.NoError(t, err)
	require.NoError(t, data.Close())
	code, _ = c.readReply()
	require.Equal(t, 226, code)

	data = c.pasvDial()
	code, _ = c.cmd("RETR notes.txt")
	require.Equal(t, 150, code)
	body := readAll(t, data)
	code, _ = c.readReply()
	require.Equal(t, 226, code)
	require.Equal(t, "uploaded over ftp", body)

	code, msg := c.cmd("SIZE notes.txt")
	require.Equal(t, 213, code)
	require.Equal(t, "17", msg)

	c.quit()
}

func TestRenameFlow(t *testing.T) {
	srv := startServer(t)
	_, err := srv.users.Register("dave", "sekret", "127.0.0.1")
	require.NoError(t, err)
	require.NoError(t, srv.users.Approve("dave"))
	require.NoError(t, os.WriteFile(filepath.Join(srv.root, "old.txt"), []byte("x"), 0o600))

	c := dialControl(t, srv)
	c.cmd("USER dave")
	code, _ := c.cmd("PASS sekret")
	require.Equal(t, 230, code)

	// RNTO without a pending RNFR is a sequence error.
	code, _ = c.cmd("RNTO new.txt")
	require.Equal(t, 503, code)

	code, _ = c.cmd("RNFR old.txt")
	require.Equal(t, 350, code)
	code, _ = c.cmd("RNTO new.txt")
	require.Equal(t, 250, code)

	_, err = os.Stat(filepath.Join(srv.root, "new.txt"))
	require.NoError(t, err)
	c.quit()
}

func TestPreAuthCommandsRejected(t *testing.T) {
	srv := startServer(t)
	c := dialControl(t, srv)

	code, _ := c.cmd("LIST")
	require.Equal(t, 530, code)
	code, _ = c.cmd("FEAT")
	require.Equal(t, 211, code)
	code, _ = c.cmd("AUTH TLS")
	require.Equal(t, 504, code)
	code, _ = c.cmd("OPTS UTF8 ON")
	require.Equal(t, 200, code)
	c.quit()
}

func TestStateDirectoryHidden(t *testing.T) {
	srv := startServer(t)
	c := dialControl(t, srv)
	c.cmd("USER anon")

	code, _ := c.cmd("CWD " + settings.StateDirName)
	require.Equal(t, 550, code)
	code, _ = c.cmd("PORT 127,0,0,1,10,10")
	require.Equal(t, 502, code)
	c.quit()
}
