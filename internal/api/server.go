// SPDX-License-Identifier: MIT

// Package api composes the HTTP surface: routing, CORS, auth and rate-limit
// gating, JSON handlers and the embedded single-page app.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gamelist1990/FileShare/internal/auth"
	"github.com/gamelist1990/FileShare/internal/fileio"
	"github.com/gamelist1990/FileShare/internal/hls"
	"github.com/gamelist1990/FileShare/internal/log"
	"github.com/gamelist1990/FileShare/internal/ratelimit"
	"github.com/gamelist1990/FileShare/internal/settings"
	"github.com/gamelist1990/FileShare/internal/stats"
	"github.com/gamelist1990/FileShare/internal/upload"
)

// ModuleName is the settings module key for the HTTP server itself.
const ModuleName = "server"

// Settings is the typed view of the server settings module.
type Settings struct {
	GlobalRequestsPerMinute int `json:"globalRequestsPerMinute"`
	IdleTimeoutSec          int `json:"idleTimeoutSec"`
}

// DefaultSettings allows 600 requests per minute per IP and a 120 s idle
// timeout.
func DefaultSettings() Settings {
	return Settings{GlobalRequestsPerMinute: 600, IdleTimeoutSec: 120}
}

// Server wires every service behind the route table.
type Server struct {
	store    *settings.Store
	users    *auth.Store
	files    *fileio.Service
	uploads  *upload.Service
	streamer *hls.Streamer
	limiter  *ratelimit.Limiter
	stats    *stats.Collector
	logger   zerolog.Logger
	started  time.Time
}

// New registers the server settings module and returns the composed server.
func New(store *settings.Store, users *auth.Store, files *fileio.Service, uploads *upload.Service, streamer *hls.Streamer, limiter *ratelimit.Limiter, collector *stats.Collector) *Server {
	store.Register(ModuleName, DefaultSettings())
	return &Server{
		store:    store,
		users:    users,
		files:    files,
		uploads:  uploads,
		streamer: streamer,
		limiter:  limiter,
		stats:    collector,
		logger:   log.WithComponent("api"),
		started:  time.Now(),
	}
}

func (s *Server) config() Settings {
	var cfg Settings
	if err := s.store.ModuleAs(ModuleName, &cfg); err != nil {
		return DefaultSettings()
	}
	def := DefaultSettings()
	if cfg.GlobalRequestsPerMinute <= 0 {
		cfg.GlobalRequestsPerMinute = def.GlobalRequestsPerMinute
	}
	if cfg.IdleTimeoutSec <= 0 {
		cfg.IdleTimeoutSec = def.IdleTimeoutSec
	}
	return cfg
}

// IdleTimeout is consumed by the http.Server built in main.
func (s *Server) IdleTimeout() time.Duration {
	return time.Duration(s.config().IdleTimeoutSec) * time.Second
}

// Router builds the chi route table.
func (s *Server) Router() http.Handler {
	cfg := s.config()

	r := chi.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(httprate.LimitByIP(cfg.GlobalRequestsPerMinute, time.Minute))
	r.Use(s.statsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.With(s.rateLimit("status")).Get("/status", s.handleStatus)
		r.With(s.rateLimit("list")).Get("/list", s.handleList)
		r.With(s.rateLimit("download")).Get("/file", s.handleFile)
		r.With(s.rateLimit("download")).Head("/file", s.handleFile)
		r.With(s.rateLimit("disk")).Get("/disk", s.handleDisk)

		r.Get("/stream/playlist", s.handleStreamPlaylist)
		r.Get("/stream/file", s.handleStreamSegment)

		r.Get("/speedtest/download", s.handleSpeedtestDownload)
		r.Post("/speedtest/upload", s.handleSpeedtestUpload)

		r.Route("/auth", func(r chi.Router) {
			r.With(s.rateLimit("auth")).Post("/register", s.handleRegister)
			r.With(s.rateLimit("auth")).Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
			r.Get("/status", s.handleAuthStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.With(s.rateLimit("upload")).Post("/upload", s.handleUpload)
			r.With(s.rateLimit("fileops")).Post("/mkdir", s.handleMkdir)
			r.With(s.rateLimit("fileops")).Post("/rename", s.handleRename)
			r.With(s.rateLimit("fileops"), s.requireOpLevel(auth.OpLevelAdvanced)).Post("/delete", s.handleDelete)
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	s.mountSPA(r)
	return r
}
