// Package server implements the backend HTTP API: the worker handshake,
// test listing and submission, worker country assignment, and the
// health-check endpoint.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultWorkerCacheTTL  = time.Minute
)

type Config struct {
	// JWTSecret signs and verifies bearer tokens.
	JWTSecret []byte

	// MessageValidity bounds the age of a handshake challenge, in either
	// direction.
	MessageValidity time.Duration

	// TokenTTL is the lifetime of issued bearer tokens.
	TokenTTL time.Duration

	// MaxPageSize caps and defaults the page_size of test listings.
	MaxPageSize int

	// UnhealthyNoTestsDuration is how long the service may go without a
	// SUCCEEDED test before the health check reports it unhealthy.
	UnhealthyNoTestsDuration time.Duration

	// Resolver optionally enriches submitted results with autonomous
	// system data for the reported egress IP. Nil disables enrichment.
	Resolver ASNResolver

	WorkerCacheTTL  time.Duration
	ShutdownTimeout time.Duration
	Clock           clockwork.Clock
}

func (c *Config) Validate() error {
	if len(c.JWTSecret) == 0 {
		return errors.New("jwt secret is required")
	}
	if c.MessageValidity <= 0 {
		return errors.New("message validity must be > 0")
	}
	if c.TokenTTL <= 0 {
		return errors.New("token ttl must be > 0")
	}
	if c.MaxPageSize < 1 {
		return errors.New("max page size must be >= 1")
	}
	if c.UnhealthyNoTestsDuration <= 0 {
		return errors.New("unhealthy no tests duration must be > 0")
	}
	if c.WorkerCacheTTL <= 0 {
		c.WorkerCacheTTL = defaultWorkerCacheTTL
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Server struct {
	log *slog.Logger
	cfg Config

	handler *Handler

	httpSrv      *http.Server
	shutdownOnce sync.Once
}

func New(log *slog.Logger, cfg Config, store Store) (*Server, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h, err := NewHandler(log, cfg, store)
	if err != nil {
		return nil, err
	}

	return &Server{
		log:     log,
		cfg:     cfg,
		handler: h,
	}, nil
}

// Serve runs the API on the listener until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpSrv = &http.Server{Handler: s.handler.Router()}

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	s.log.Info("api listening", "addr", listener.Addr().String())
	err := s.httpSrv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) shutdown() {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if s.httpSrv != nil {
			_ = s.httpSrv.Shutdown(ctx)
		}
	})
}
