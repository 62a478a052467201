package webserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/stake-plus/daget/src/config"
)

// Server runs the HTTP surface as a lifecycle module.
type Server struct {
	cfg     config.HTTPConfig
	handler http.Handler
	limiter *RateLimiter
	log     *slog.Logger

	srv    *http.Server
	cancel context.CancelFunc
	done   chan struct{}
}

// NewServer builds the router from deps. deps.Limiter is created when nil so the
// server can run its cleanup loop.
func NewServer(cfg config.HTTPConfig, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Limiter == nil {
		deps.Limiter = NewRateLimiter(cfg.ReserveRate, cfg.ReserveWindow)
	}
	return &Server{cfg: cfg, handler: New(cfg, deps), limiter: deps.Limiter, log: deps.Log}
}

func (s *Server) Name() string { return "http" }

// Start binds the listener synchronously so a bad address fails startup.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("webserver: listen %s: %w", s.cfg.Addr, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != ""
	if useTLS {
		reloader, err := NewTLSReloader(s.cfg.TLSCertFile, s.cfg.TLSKeyFile, s.log)
		if err != nil {
			cancel()
			_ = ln.Close()
			return err
		}
		s.srv.TLSConfig = reloader.GetConfig()
		go reloader.Watch(runCtx, tlsWatchInterval)
	}
	go s.limiter.Run(runCtx)

	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		var err error
		if useTLS {
			err = s.srv.ServeTLS(ln, "", "")
		} else {
			err = s.srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("webserver: serve", "err", err)
		}
	}()
	s.log.Info("webserver: listening", "addr", ln.Addr().String(), "tls", useTLS)
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		s.log.Warn("webserver: shutdown", "err", err)
	}
	s.cancel()
	<-s.done
	s.srv = nil
}
