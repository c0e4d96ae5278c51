// Package server exposes projects, scans and reports over a JSON API and
// streams live tool output over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/jamesruggles/aegis/internal/config"
	"github.com/jamesruggles/aegis/internal/database"
	"github.com/jamesruggles/aegis/internal/metrics"
	"github.com/jamesruggles/aegis/internal/project"
	"github.com/jamesruggles/aegis/internal/report"
	"github.com/jamesruggles/aegis/internal/scanner"
)

const maxRequestBody = 1 << 20

// Options wires a server. Catalog and Metrics are optional.
type Options struct {
	Config   *config.Config
	Store    *project.Store
	Executor *scanner.Executor
	Reports  *report.Generator
	Hub      *Hub
	Catalog  *database.DB
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

type Server struct {
	cfg       *config.Config
	store     *project.Store
	executor  *scanner.Executor
	reportGen *report.Generator
	hub       *Hub
	db        *database.DB
	metrics   *metrics.Collector
	logger    *slog.Logger
	mux       *http.ServeMux
	httpSrv   *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Store == nil || opts.Executor == nil {
		return nil, errors.New("server needs a config, a project store and an executor")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub(opts.Logger)
	}
	if opts.Reports == nil {
		opts.Reports = report.NewGenerator(opts.Config.Reports.PDFFont, opts.Logger)
	}

	s := &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		executor:  opts.Executor,
		reportGen: opts.Reports,
		hub:       opts.Hub,
		db:        opts.Catalog,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return s, nil
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return recoveryMiddleware(s.logger, securityHeaders(loggingMiddleware(s.logger, s.mux)))
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting server", "addr", s.httpSrv.Addr)

	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, cancels running scans and waits for
// both to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	return errors.Join(s.httpSrv.Shutdown(ctx), s.executor.Shutdown(ctx))
}

func (s *Server) registerRoutes() {
	api := http.NewServeMux()

	api.HandleFunc("/api/projects", s.handleAPIProjects)
	api.HandleFunc("/api/projects/{name}", s.handleAPIProject)
	api.HandleFunc("/api/projects/{name}/scans", s.handleAPIProjectScans)
	api.HandleFunc("/api/projects/{name}/results", s.handleAPIProjectResults)
	api.HandleFunc("/api/projects/{name}/report", s.handleAPIProjectReport)
	api.HandleFunc("/api/projects/{name}/backup", s.handleAPIProjectBackup)
	api.HandleFunc("/api/projects/{name}/metadata", s.handleAPIProjectMetadata)

	api.HandleFunc("/api/scans", s.handleAPIScans)
	api.HandleFunc("/api/scans/recent", s.handleAPIRecentScans)
	api.HandleFunc("/api/scans/{id}", s.handleAPIScan)
	api.HandleFunc("/api/scans/{id}/findings", s.handleAPIScanFindings)
	api.HandleFunc("/api/findings", s.handleAPIFindings)
	api.HandleFunc("/api/stats", s.handleAPIStats)
	api.HandleFunc("/api/tools/status", s.handleAPIToolStatus)

	s.mux.Handle("/api/", gzhttp.GzipHandler(maxBodyMiddleware(maxRequestBody, api)))
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWebSocket)

	if s.metrics != nil && s.cfg.Metrics.Enabled {
		s.mux.Handle(s.cfg.Metrics.Path, s.metrics.Handler())
	}
}
