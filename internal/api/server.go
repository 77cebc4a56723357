package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/clipforge/clipforge-agent/internal/analysis"
	"github.com/clipforge/clipforge-agent/internal/catalog"
	"github.com/clipforge/clipforge-agent/internal/engine"
	"github.com/clipforge/clipforge-agent/internal/history"
	"github.com/clipforge/clipforge-agent/internal/scripts"
	"github.com/clipforge/clipforge-agent/internal/storage"
)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port            int
	Gateway         storage.Gateway
	Catalog         *catalog.Catalog
	Scripts         *scripts.Repository
	Engine          *engine.Engine
	Analyzer        analysis.Analyzer
	History         history.Repository
	AuthToken       string
	StorageEndpoint string
	StorageBucket   string
	Logger          *slog.Logger
	StartTime       time.Time
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
			// Read/write timeouts stay unset: executions and media
			// uploads can legitimately run for minutes.
			ReadTimeout:  0,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
