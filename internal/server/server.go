// Package server hosts the overlay HTTP surface: the broadcast hub, the
// spotter endpoints, health probes and metrics.
//
// [Server.Start] and [Server.Stop] are idempotent. Stopping releases the
// listener and closes the broadcast hub, which makes monitors skip
// emission; it does not stop audio capture.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// DefaultShutdownTimeout bounds [Server.Run]'s graceful shutdown.
const DefaultShutdownTimeout = 5 * time.Second

// Hub is the broadcast channel the server hosts. It is opened on start and
// closed on stop.
type Hub interface {
	Open()
	Close()
}

// Config configures a [Server].
type Config struct {
	// Host is the interface to bind. Empty binds all interfaces.
	Host string

	// Port is the TCP port. 0 picks a free port.
	Port int

	// ShutdownTimeout bounds graceful shutdown in [Server.Run].
	ShutdownTimeout time.Duration
}

// Addr returns the listen address for c.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server is a restartable HTTP server.
type Server struct {
	cfg     Config
	handler http.Handler
	hub     Hub

	mu     sync.Mutex
	srv    *http.Server
	ln     net.Listener
	served chan error // receives the result of Serve, then closes
}

// New returns a stopped server. hub may be nil.
func New(cfg Config, handler http.Handler, hub Hub) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Server{cfg: cfg, handler: handler, hub: hub}
}

// Start binds the listener, opens the hub and serves in the background.
// Starting a running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.Addr(), err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	served := make(chan error, 1)

	if s.hub != nil {
		s.hub.Open()
	}
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
		close(served)
	}()

	s.srv, s.ln, s.served = srv, ln, served
	slog.Info("server: listening", "addr", ln.Addr().String())
	return nil
}

// Stop closes the hub, then shuts the HTTP server down gracefully within
// ctx, closing any remaining connections when ctx expires. Stopping a
// stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}

	if s.hub != nil {
		s.hub.Close()
	}
	err := s.srv.Shutdown(ctx)
	if err != nil {
		_ = s.srv.Close()
	}
	serveErr := <-s.served
	slog.Info("server: stopped", "addr", s.ln.Addr().String())
	s.srv, s.ln, s.served = nil, nil, nil

	if err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return serveErr
}

// Run starts the server and blocks until ctx is done or serving fails, then
// stops it within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	served := s.served
	s.mu.Unlock()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-served:
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil && serveErr == nil {
		return err
	}
	if serveErr != nil {
		return fmt.Errorf("server: serve: %w", serveErr)
	}
	return nil
}

// Addr returns the bound address, or nil while stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Running reports whether the server is started.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}
