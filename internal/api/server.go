package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	logx "postflow/pkg/logx"
)

// ServerConfig controls the listener. An empty Addr disables it.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Server owns the HTTP listener lifecycle and can be re-applied on config reload.
type Server struct {
	mu      sync.Mutex
	log     logx.Logger
	handler http.Handler

	cfg  ServerConfig
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

func NewServer(h http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{handler: h, log: log.With(logx.String("comp", "http"))}
}

// Apply starts, stops or restarts the listener to match cfg. Only an address
// or timeout change causes a restart.
func (s *Server) Apply(ctx context.Context, cfg ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Addr == "" {
		s.stopLocked(ctx)
		s.cfg = cfg
		return nil
	}
	if s.srv != nil && s.cfg == cfg {
		return nil
	}
	s.stopLocked(ctx)
	if err := s.startLocked(cfg); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

func (s *Server) startLocked(cfg ServerConfig) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	done := make(chan struct{})
	s.srv, s.ln, s.done = srv, ln, done

	addr := ln.Addr().String()
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("http server listening", logx.String("addr", addr))
	return nil
}

// Addr returns the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, done := s.srv, s.done
	addr := s.ln.Addr().String()
	s.srv, s.ln, s.done = nil, nil, nil

	if ctx == nil {
		ctx = context.Background()
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.String("addr", addr), logx.Err(err))
		_ = srv.Close()
	}
	<-done
	s.log.Info("http server stopped", logx.String("addr", addr))
}
