package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrymomot/bedwatch/pkg/logger"
)

type config struct {
	addr              string
	readHeaderTimeout time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	idleTimeout       time.Duration
	shutdownTimeout   time.Duration
	logger            *slog.Logger
	startHooks        []func(addr string)
	shutdownHooks     []func()
}

func defaultConfig() *config {
	return &config{
		addr:              ":8080",
		readHeaderTimeout: 10 * time.Second,
		shutdownTimeout:   10 * time.Second,
		logger:            slog.Default(),
	}
}

// Server wraps http.Server with graceful shutdown.
type Server struct {
	cfg *config

	mu   sync.Mutex
	srv  *http.Server
	addr net.Addr
	once sync.Once
}

// New returns a configured Server.
func New(opts ...Option) *Server {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.logger = cfg.logger.With(logger.Component("http"))
	return &Server{cfg: cfg}
}

// Addr returns the bound address once the server is listening, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run serves handler until ctx is done and then shuts down gracefully.
// The returned function fits errgroup.Group.Go. Listen failures are wrapped with ErrStart.
func (s *Server) Run(ctx context.Context, handler http.Handler) func() error {
	return func() error {
		if handler == nil {
			handler = http.NotFoundHandler()
		}

		s.mu.Lock()
		if s.srv != nil {
			s.mu.Unlock()
			return ErrAlreadyRunning
		}
		ln, err := net.Listen("tcp", s.cfg.addr)
		if err != nil {
			s.mu.Unlock()
			return errors.Join(ErrStart, err)
		}
		srv := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: s.cfg.readHeaderTimeout,
			ReadTimeout:       s.cfg.readTimeout,
			WriteTimeout:      s.cfg.writeTimeout,
			IdleTimeout:       s.cfg.idleTimeout,
			BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
			ErrorLog:          slog.NewLogLogger(s.cfg.logger.Handler(), slog.LevelWarn),
		}
		for _, h := range s.cfg.shutdownHooks {
			srv.RegisterOnShutdown(h)
		}
		s.srv, s.addr = srv, ln.Addr()
		s.mu.Unlock()

		addr := ln.Addr().String()
		s.cfg.logger.InfoContext(ctx, "http server listening", slog.String("addr", addr))
		for _, h := range s.cfg.startHooks {
			h(addr)
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()

		var runErr error
		select {
		case <-ctx.Done():
			runErr = s.Shutdown(context.WithoutCancel(ctx))
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				runErr = errors.Join(runErr, err)
			}
		case runErr = <-errCh:
			if errors.Is(runErr, http.ErrServerClosed) {
				runErr = nil
			}
		}
		return runErr
	}
}

// Shutdown stops the server within the configured deadline. Repeated calls are no-ops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	var err error
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.shutdownTimeout)
		defer cancel()

		start := time.Now()
		err = srv.Shutdown(ctx)
		s.cfg.logger.InfoContext(ctx, "http server stopped", logger.Duration(time.Since(start)))
	})
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Join(ErrShutdown, err)
	}
	return nil
}
