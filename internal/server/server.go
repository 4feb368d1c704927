// Package server exposes the REST and WebSocket surfaces.
package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/katiba-labs/katiba/internal/config"
)

// Server wraps the HTTP listener with graceful shutdown.
type Server struct {
	log  *zap.Logger
	http *http.Server
}

// New builds the HTTP server from config and wired dependencies.
func New(log *zap.Logger, cfg *config.Config, deps Deps) *Server {
	return &Server{
		log: log,
		http: &http.Server{
			Addr:              ":" + cfg.AppPort,
			Handler:           NewRouter(log, deps),
			ReadHeaderTimeout: 10 * time.Second,
			// No blanket write timeout: /ws connections are long-lived.
		},
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.log.Info("Shutting down HTTP server")
	return s.http.Shutdown(shutdownCtx)
}
