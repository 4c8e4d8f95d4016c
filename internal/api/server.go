// Package api serves the registry read-only over HTTP.
package api

import (
	"context"
	"net"
	"sync"
	"time"

	"codeberg.org/mutker/gpufand/internal/logger"
	"codeberg.org/mutker/gpufand/internal/registry"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/shirou/gopsutil/v3/host"
)

const requestTimeout = 5 * time.Second

// Registry is the read side of the GPU registry.
type Registry interface {
	Get(index int) (registry.GPUState, error)
	SnapshotAll() []registry.GPUState
}

// LoopState exposes control-loop progress for the health endpoint.
type LoopState interface {
	Ticks() uint64
	CurveEnabled() bool
}

type HostInfoFunc func(ctx context.Context) (*host.InfoStat, error)

type Option func(*Server)

// WithHostInfo replaces the gopsutil host lookup.
func WithHostInfo(fn HostInfoFunc) Option {
	return func(s *Server) {
		s.hostInfo = fn
	}
}

// Server represents the API server
type Server struct {
	app      *fiber.App
	reg      Registry
	loop     LoopState
	log      logger.Logger
	hostInfo HostInfoFunc
	started  time.Time

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a new API server
func NewServer(reg Registry, loop LoopState, log logger.Logger, opts ...Option) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           60 * time.Second,
		ServerHeader:          "gpufand",
		AppName:               "gpufand",
		DisableStartupMessage: true,
	})

	s := &Server{
		app:      app,
		reg:      reg,
		loop:     loop,
		log:      log,
		hostInfo: host.InfoWithContext,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	app.Use(recover.New())
	app.Use(s.logRequest)

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	api := s.app.Group("/api")

	api.Get("/gpus", s.getGPUs)
	api.Get("/gpus/:index", s.getGPU)
	api.Get("/health", s.healthCheck)
}

// Listen binds address. Requests queue on the listener until Serve runs.
func (s *Server) Listen(address string) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Info().Str("address", ln.Addr().String()).Msg("Status API listening")

	return ln, nil
}

// Serve blocks serving ln until Shutdown. It returns at once when Shutdown
// already ran.
func (s *Server) Serve(ln net.Listener) error {
	return s.app.Listener(ln)
}

// Shutdown gracefully shuts down the server and closes the listener, whether
// or not Serve has started.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)

	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Unlock()

	return err
}

func (s *Server) logRequest(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	s.log.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", c.Response().StatusCode()).
		Dur("duration", time.Since(start)).
		Msg("HTTP request")

	return err
}
