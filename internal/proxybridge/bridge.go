// SPDX-License-Identifier: MIT

package proxybridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/gamelist1990/FileShare/internal/log"
)

var rejectedConns = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fileshare",
	Name:      "proxybridge_rejected_total",
	Help:      "Connections rejected for missing or malformed v2 framing",
})

const headReadTimeout = 30 * time.Second

// badRequestResponse is the canned reply for non-proxy-protocol clients.
const badRequestResponse = "HTTP/1.1 400 Bad Request\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	"<html><head><title>400 Bad Request</title></head>" +
	"<body><h1>400 Bad Request</h1><p>Proxy protocol required.</p></body></html>"

// Bridge accepts proxy-protocol-v2 framed connections and splices them onto
// the internal HTTP listener.
type Bridge struct {
	target string
	dialer net.Dialer
	logger zerolog.Logger
}

// New returns a bridge forwarding to the internal HTTP address.
func New(target string) *Bridge {
	return &Bridge{
		target: target,
		logger: log.WithComponent("proxybridge"),
	}
}

// Serve accepts connections until ctx is cancelled.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	b.logger.Info().Str("event", "bridge.listening").Str("addr", ln.Addr().String()).Str("target", b.target).Msg("proxy bridge started")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go b.handle(ctx, conn)
	}
}

func (b *Bridge) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(headReadTimeout))
	reader := bufio.NewReaderSize(conn, 64<<10)

	peek, err := reader.Peek(len(v2Signature))
	if err != nil || !HasSignature(peek) {
		rejectedConns.Inc()
		_, _ = io.WriteString(conn, badRequestResponse)
		return
	}
	clientIP, err := readChain(reader)
	if err != nil {
		rejectedConns.Inc()
		_, _ = io.WriteString(conn, badRequestResponse)
		return
	}

	head, err := readHead(reader)
	if err != nil {
		rejectedConns.Inc()
		_, _ = io.WriteString(conn, badRequestResponse)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	rewritten := rewriteHead(head, clientIP)

	upstream, err := b.dialer.DialContext(ctx, "tcp", b.target)
	if err != nil {
		b.logger.Error().Err(err).Str("event", "bridge.dial_failed").Msg("internal target unreachable")
		return
	}
	defer upstream.Close()

	if _, err := upstream.Write(rewritten); err != nil {
		return
	}
	splice(conn, reader, upstream)
}

// readHead buffers up to the end of the HTTP header block.
func readHead(r *bufio.Reader) ([]byte, error) {
	var head bytes.Buffer
	for {
		line, err := r.ReadBytes('\n')
		head.Write(line)
		if err != nil {
			return nil, err
		}
		if head.Len() > maxHeadBytes {
			return nil, fmt.Errorf("http head exceeds %d bytes", maxHeadBytes)
		}
		if bytes.HasSuffix(head.Bytes(), []byte("\r\n\r\n")) {
			return head.Bytes(), nil
		}
	}
}

// rewriteHead strips inbound forwarding headers and injects fresh ones
// carrying the proxy-verified client address.
func rewriteHead(head []byte, clientIP net.IP) []byte {
	lines := strings.Split(string(head), "\r\n")
	out := make([]string, 0, len(lines)+2)
	for i, line := range lines {
		if i == 0 {
			out = append(out, line)
			continue
		}
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "x-forwarded-for:") || strings.HasPrefix(lower, "x-real-ip:") {
			continue
		}
		out = append(out, line)
	}
	if clientIP != nil {
		out = append(out, "X-Forwarded-For: "+clientIP.String())
		out = append(out, "X-Real-IP: "+clientIP.String())
	}
	return []byte(strings.Join(out, "\r\n") + "\r\n\r\n")
}

// splice pipes both directions until either side closes. Bytes the bufio
// reader buffered past the head are flushed first.
func splice(client net.Conn, buffered io.Reader, upstream net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, buffered)
		if tcp, ok := upstream.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		if tcp, ok := client.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
}
