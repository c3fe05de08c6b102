// Package server exposes the conversion pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/book-expert/voice-clone-service/internal/gateway"
	"github.com/book-expert/voice-clone-service/internal/session"
)

const (
	logListening    = "HTTP server listening on %s"
	logShuttingDown = "HTTP server shutting down (grace %s)"
)

// Readiness reports whether the engine can take work.
type Readiness interface {
	Available() bool
	Cause() error
	Stats() gateway.Stats
}

// Options configures the HTTP surface.
type Options struct {
	Addr               string
	ServiceName        string
	Version            string
	MaxRequestBytes    int64
	RateLimitPerMinute int
	CORSAllowedOrigins []string
	RetryAfter         time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
}

// NewOptions derives Options from the service configuration.
func NewOptions(cfg *config.Config) Options {
	return Options{
		Addr:               cfg.Server.Addr(),
		ServiceName:        cfg.Service.Name,
		Version:            cfg.Service.Version,
		MaxRequestBytes:    cfg.Server.MaxRequestBytes,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		RetryAfter:         cfg.Gateway.AcquireTimeout(),
		ReadTimeout:        cfg.Server.ReadTimeout(),
		WriteTimeout:       cfg.Server.WriteTimeout(),
		ShutdownTimeout:    cfg.Server.ShutdownTimeout(),
	}
}

// Server is the HTTP front end of the service.
type Server struct {
	opts       Options
	pipeline   *session.Pipeline
	readiness  Readiness
	log        *logger.Logger
	httpServer *http.Server
}

// New creates a Server.
func New(opts Options, pipeline *session.Pipeline, readiness Readiness, log *logger.Logger) *Server {
	srv := &Server{
		opts:      opts,
		pipeline:  pipeline,
		readiness: readiness,
		log:       log,
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           srv.Handler(),
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: opts.ReadTimeout,
		WriteTimeout:      opts.WriteTimeout,
	}

	return srv
}

// Run serves until ctx is cancelled, then shuts down gracefully, letting
// in-flight conversions finish within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)

	go func() {
		s.log.Info(logListening, s.opts.Addr)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}

		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	s.log.Info(logShuttingDown, s.opts.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()

	shutdownErr := s.httpServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		return fmt.Errorf("http server shutdown failed: %w", shutdownErr)
	}

	return nil
}
