// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api provides the HTTP surface of the thumbnail cache.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coordinator"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coordstore"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
)

// Server is the HTTP API server of the request-handling process.
type Server struct {
	coord     *coordinator.Coordinator
	store     *coordstore.Client
	cfg       *config.Config
	logger    zerolog.Logger
	version   string
	startTime time.Time
}

// New builds the server.
func New(coord *coordinator.Coordinator, store *coordstore.Client, cfg *config.Config, version string, logger zerolog.Logger) *Server {
	return &Server{
		coord:     coord,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		version:   version,
		startTime: time.Now(),
	}
}

// Routes constructs the router with the canonical middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(log.Middleware())
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/", s.handleRoot)
	r.Get("/thumbnail", s.handleThumbnail)
	r.Get("/status", s.handleStatus)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
