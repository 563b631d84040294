// Package server exposes the table and the checkpoint history over HTTP for inspection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

//go:generate mockgen -destination=server_mock.go -package=server -source=server.go

const (
	serverName          = "LiteTable http server"
	defaultReadTimeout  = 5 * time.Second
	defaultStopTimeout  = 10 * time.Second
	defaultRequestLimit = 30 * time.Second
)

type httpServer interface {
	Serve(l net.Listener) error
	Shutdown(ctx context.Context) error
}

type Server struct {
	address string
	port    int
	server  httpServer
	router  chi.Router

	mutex sync.RWMutex
	addr  net.Addr
}

type Config struct {
	Address string
	// Port 0 picks a free port; Addr reports it once started.
	Port        int
	Table       Reader
	Checkpoints Checkpoints
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Address == "" {
		errGrp = append(errGrp, errors.New("address is required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errGrp = append(errGrp, errors.New("port must be between 0 and 65535"))
	}
	if c.Table == nil {
		errGrp = append(errGrp, errors.New("table is required"))
	}
	if c.Checkpoints == nil {
		errGrp = append(errGrp, errors.New("checkpoints are required"))
	}
	return errors.Join(errGrp...)
}

// New returns the inspection server. It listens once started.
func New(cfg *Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	h := &handlers{table: cfg.Table, checkpoints: cfg.Checkpoints}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(defaultRequestLimit))

	r.Get("/health", h.health)
	r.Get("/stats", h.stats)
	r.Get("/checkpoints", h.listCheckpoints)
	r.Route("/records", func(r chi.Router) {
		r.Get("/", h.scan)
		r.Get("/{key}", h.get)
	})

	return &Server{
		address: cfg.Address,
		port:    cfg.Port,
		router:  r,
		server: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: defaultReadTimeout,
		},
	}, nil
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", net.JoinHostPort(s.address, fmt.Sprintf("%d", s.port)))
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	s.mutex.Lock()
	s.addr = listener.Addr()
	s.mutex.Unlock()

	log.Info().Str("address", listener.Addr().String()).Msg("http server listening")
	if err = s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

// Name returns the name of the server.
func (s *Server) Name() string {
	return serverName
}

// Addr returns the address the server listens on, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.addr
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}
