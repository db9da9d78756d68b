// SPDX-License-Identifier: MIT

// Command fileshare serves one directory over HTTP, HLS and FTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gamelist1990/FileShare/internal/api"
	"github.com/gamelist1990/FileShare/internal/auth"
	"github.com/gamelist1990/FileShare/internal/fileio"
	"github.com/gamelist1990/FileShare/internal/ftp"
	"github.com/gamelist1990/FileShare/internal/hls"
	"github.com/gamelist1990/FileShare/internal/log"
	"github.com/gamelist1990/FileShare/internal/pathguard"
	"github.com/gamelist1990/FileShare/internal/proxybridge"
	"github.com/gamelist1990/FileShare/internal/ratelimit"
	"github.com/gamelist1990/FileShare/internal/settings"
	"github.com/gamelist1990/FileShare/internal/stats"
	"github.com/gamelist1990/FileShare/internal/upload"
	"github.com/gamelist1990/FileShare/internal/version"
)

func main() {
	sharePath := flag.String("path", ".", "directory to share")
	port := flag.Int("port", 3000, "public listen port")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	log.Configure(log.Config{
		Level:   *logLevel,
		Service: "fileshare",
		Version: version.Version,
	})
	logger := log.WithComponent("main")

	if err := run(*sharePath, *port); err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
}

func run(sharePath string, port int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := log.WithComponent("main")

	guard, err := pathguard.New(sharePath)
	if err != nil {
		return fmt.Errorf("share path: %w", err)
	}

	store, err := settings.Open(guard.Root())
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	store.Register(proxybridge.ModuleName, proxybridge.DefaultConfig())

	stateDir := filepath.Join(guard.Root(), settings.StateDirName)
	blocks, err := pathguard.OpenBlockList(stateDir)
	if err != nil {
		return fmt.Errorf("block list: %w", err)
	}
	users, err := auth.Open(stateDir)
	if err != nil {
		return fmt.Errorf("user store: %w", err)
	}

	collector := stats.New()
	files := fileio.NewService(guard, blocks, collector)
	uploads := upload.NewService(guard, store, collector)
	limiter := ratelimit.New(nil)
	streamer, err := hls.NewStreamer(guard, store)
	if err != nil {
		return fmt.Errorf("hls streamer: %w", err)
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Prune()
			}
		}
	}()

	server := api.New(store, users, files, uploads, streamer, limiter, collector)
	handler := server.Router()

	// External settings.json edits are picked up without a restart.
	if err := store.Watch(ctx); err != nil {
		logger.Warn().Err(err).Msg("settings watcher unavailable")
	}

	httpSrv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       server.IdleTimeout(),
	}

	var bridgeCfg proxybridge.Config
	_ = store.ModuleAs(proxybridge.ModuleName, &bridgeCfg)

	errCh := make(chan error, 3)

	// With proxy-protocol enforcement on, the public port is owned by the
	// bridge and the HTTP core listens on an internal loopback port.
	if bridgeCfg.ProxyProtocolV2 {
		internal, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("internal http listener: %w", err)
		}
		public, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("listen on port %d: %w", port, err)
		}
		go func() { errCh <- httpSrv.Serve(internal) }()
		go func() { errCh <- proxybridge.New(internal.Addr().String()).Serve(ctx, public) }()
		logger.Info().Str("event", "startup").Int("port", port).Str("share", guard.Root()).Bool("proxyProtocolV2", true).Msg("serving")
	} else {
		public, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("listen on port %d: %w", port, err)
		}
		go func() { errCh <- httpSrv.Serve(public) }()
		logger.Info().Str("event", "startup").Int("port", port).Str("share", guard.Root()).Msg("serving")
	}

	// FTP shares the guard, auth and settings with the HTTP surface.
	ftpEngine := ftp.NewEngine(guard, blocks, users, store)
	var ftpCfg ftp.Settings
	if err := store.ModuleAs(ftp.ModuleName, &ftpCfg); err != nil {
		ftpCfg = ftp.DefaultSettings()
	}
	if ftpCfg.Enabled {
		ftpLn, err := net.Listen("tcp", fmt.Sprintf(":%d", ftpCfg.Port))
		if err != nil {
			return fmt.Errorf("ftp listen on port %d: %w", ftpCfg.Port, err)
		}
		go func() { errCh <- ftpEngine.Serve(ctx, ftpLn) }()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdown(httpSrv, streamer, users)
			return err
		}
	}

	logger.Info().Str("event", "shutdown").Msg("stopping")
	shutdown(httpSrv, streamer, users)
	return nil
}

// shutdown flushes pending auth writes, purges the HLS cache and closes the
// HTTP server.
func shutdown(httpSrv *http.Server, streamer *hls.Streamer, users *auth.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	streamer.Close()
	if err := users.Flush(); err != nil {
		log.WithComponent("main").Error().Err(err).Msg("could not flush user store")
	}
}
