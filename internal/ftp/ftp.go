// SPDX-License-Identifier: MIT

// Package ftp implements the RFC 959 subset the share exposes: one control
// connection per client, passive-mode data channels from a fixed port range,
// and read-only anonymous access.
package ftp

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"github.com/gamelist1990/FileShare/internal/auth"
	"github.com/gamelist1990/FileShare/internal/log"
	"github.com/gamelist1990/FileShare/internal/pathguard"
	"github.com/gamelist1990/FileShare/internal/settings"
)

// ModuleName is the settings module key.
const ModuleName = "ftp"

// Settings is the typed view of the ftp settings module.
type Settings struct {
	Enabled        bool `json:"enabled"`
	Port           int  `json:"port"`
	PasvPortMin    int  `json:"pasvPortMin"`
	PasvPortMax    int  `json:"pasvPortMax"`
	AnonymousRead  bool `json:"anonymousRead"`
	MaxConnections int  `json:"maxConnections"`
}

// DefaultSettings serves on 2121 with anonymous read access enabled.
func DefaultSettings() Settings {
	return Settings{
		Enabled:        true,
		Port:           2121,
		PasvPortMin:    50000,
		PasvPortMax:    50100,
		AnonymousRead:  true,
		MaxConnections: 64,
	}
}

var sessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fileshare",
	Name:      "ftp_sessions_total",
	Help:      "Total FTP control sessions accepted",
})

// Engine owns the control listener and spawns one session per connection.
type Engine struct {
	guard  *pathguard.Guard
	blocks *pathguard.BlockList
	users  *auth.Store
	store  *settings.Store
	logger zerolog.Logger

	ipOnce sync.Once
	lanIP  string
}

// NewEngine registers the settings module and returns the engine.
func NewEngine(guard *pathguard.Guard, blocks *pathguard.BlockList, users *auth.Store, store *settings.Store) *Engine {
	store.Register(ModuleName, DefaultSettings())
	return &Engine{
		guard:  guard,
		blocks: blocks,
		users:  users,
		store:  store,
		logger: log.WithComponent("ftp"),
	}
}

func (e *Engine) config() Settings {
	var cfg Settings
	if err := e.store.ModuleAs(ModuleName, &cfg); err != nil {
		return DefaultSettings()
	}
	def := DefaultSettings()
	if cfg.Port <= 0 {
		cfg.Port = def.Port
	}
	if cfg.PasvPortMin <= 0 || cfg.PasvPortMax < cfg.PasvPortMin {
		cfg.PasvPortMin, cfg.PasvPortMax = def.PasvPortMin, def.PasvPortMax
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	return cfg
}

// Serve accepts control connections on ln until ctx is cancelled. The
// listener is capped to the configured connection limit.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	cfg := e.config()
	limited := netutil.LimitListener(ln, cfg.MaxConnections)
	go func() {
		<-ctx.Done()
		limited.Close()
	}()

	e.logger.Info().Str("event", "ftp.listening").Str("addr", ln.Addr().String()).Msg("ftp server started")
	for {
		conn, err := limited.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		sessionsOpened.Inc()
		go newSession(e, conn).run(ctx)
	}
}

// advertiseIP picks the address placed into a 227 reply: loopback clients get
// 127.0.0.1, everyone else gets the host's LAN address.
func (e *Engine) advertiseIP(peer net.Addr) net.IP {
	if tcp, ok := peer.(*net.TCPAddr); ok && tcp.IP.IsLoopback() {
		return net.IPv4(127, 0, 0, 1)
	}
	e.ipOnce.Do(func() {
		e.lanIP = detectLANIP()
	})
	if ip := net.ParseIP(e.lanIP); ip != nil {
		return ip.To4()
	}
	return net.IPv4(127, 0, 0, 1)
}

// detectLANIP returns the first non-loopback IPv4 address of any interface.
func detectLANIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return ""
}
