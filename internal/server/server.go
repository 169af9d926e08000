package server

import (
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/ovirt/imageio/internal/apperrors"
	"github.com/ovirt/imageio/internal/config"
	"github.com/ovirt/imageio/internal/httpapi"
	"github.com/ovirt/imageio/internal/logging"
	"github.com/ovirt/imageio/internal/middleware"
)

// errorLog adapts the zap-backed logger to the *log.Logger http.Server
// wants for its ErrorLog field.
func errorLog() *log.Logger {
	return log.New(logging.StdLogger(), "", 0)
}

// Server owns the daemon's three listeners (§2, §4.7): the remote
// TLS data listener, the local unix-socket data listener, and the
// control listener (unix socket, TCP, or both). All three share one
// httpapi.Context, so a ticket installed on the control listener is
// immediately visible to transfers on the data listeners.
type Server struct {
	cfg *config.Config
	ctx *httpapi.Context

	listeners    []*GracefulServer
	sockets      []string // unix socket paths to unlink on shutdown
	rateLimiters []*middleware.RateLimiter
}

// New builds a Server from cfg without yet binding any socket.
func New(cfg *config.Config) *Server {
	ctx := httpapi.NewContext()
	ctx.UnixSocketAddr = cfg.Local.SocketPath
	return &Server{cfg: cfg, ctx: ctx}
}

// Context returns the shared ticket store / backend registry, for a CLI
// command (or test) that wants to install tickets in-process.
func (s *Server) Context() *httpapi.Context { return s.ctx }

// Listen opens all three listeners configured in cfg. It does not start
// serving; call Serve to do that. Listen is separated from Serve so a
// caller can detect bind failures (e.g. a port in use) before
// committing to the blocking serve loop.
func (s *Server) Listen() error {
	if err := s.listenRemote(); err != nil {
		return err
	}
	if err := s.listenLocal(); err != nil {
		return err
	}
	if err := s.listenControl(); err != nil {
		return err
	}
	return nil
}

func (s *Server) listenRemote() error {
	if s.cfg.Remote.Addr == "" {
		return nil
	}
	if s.cfg.Remote.CertFile == "" || s.cfg.Remote.KeyFile == "" {
		return apperrors.New(apperrors.KindBadRequest, "remote listener requires cert_file and key_file")
	}

	cert, err := tls.LoadX509KeyPair(s.cfg.Remote.CertFile, s.cfg.Remote.KeyFile)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "failed to load remote TLS certificate", err)
	}

	minVersion := uint16(tls.VersionTLS12)
	if s.cfg.Remote.EnableTLS1_1 {
		minVersion = tls.VersionTLS11
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}

	ln, err := tls.Listen("tcp", s.cfg.Remote.Addr, tlsCfg)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "failed to bind remote listener", err)
	}

	handler := httpapi.NewDataMux(s.ctx)
	rl := middleware.NewRateLimiter(nil)
	s.rateLimiters = append(s.rateLimiters, rl)
	srv := &http.Server{Handler: rl.Middleware(handler), ErrorLog: errorLog()}
	s.listeners = append(s.listeners, NewGracefulServer("remote", srv, ln))
	return nil
}

func (s *Server) listenLocal() error {
	if s.cfg.Local.SocketPath == "" {
		return nil
	}
	ln, err := listenUnix(s.cfg.Local.SocketPath)
	if err != nil {
		return err
	}
	s.sockets = append(s.sockets, s.cfg.Local.SocketPath)

	handler := httpapi.NewDataMux(s.ctx)
	srv := &http.Server{Handler: handler, ErrorLog: errorLog()}
	s.listeners = append(s.listeners, NewGracefulServer("local", srv, ln))
	return nil
}

func (s *Server) listenControl() error {
	handler := httpapi.NewControlMux(s.ctx)

	if s.cfg.Control.SocketPath != "" {
		ln, err := listenUnix(s.cfg.Control.SocketPath)
		if err != nil {
			return err
		}
		s.sockets = append(s.sockets, s.cfg.Control.SocketPath)
		srv := &http.Server{Handler: handler, ErrorLog: errorLog()}
		s.listeners = append(s.listeners, NewGracefulServer("control-unix", srv, ln))
	}

	if s.cfg.Control.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.Control.TCPAddr)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "failed to bind control listener", err)
		}
		srv := &http.Server{Handler: handler, ErrorLog: errorLog()}
		s.listeners = append(s.listeners, NewGracefulServer("control-tcp", srv, ln))
	}

	if s.cfg.Control.SocketPath == "" && s.cfg.Control.TCPAddr == "" {
		return apperrors.New(apperrors.KindBadRequest, "control listener requires a socket_path or tcp_addr")
	}
	return nil
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to create socket directory", err)
	}
	// Remove a stale socket file left behind by an unclean shutdown;
	// net.Listen("unix", ...) fails with "address already in use" otherwise.
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to bind unix socket "+path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to set socket permissions", err)
	}
	return ln, nil
}

// Serve runs every listener concurrently and blocks until either one
// fails or the process receives SIGINT/SIGTERM, at which point it shuts
// every listener down gracefully and returns.
func (s *Server) Serve() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, len(s.listeners))
	var wg sync.WaitGroup
	for _, l := range s.listeners {
		wg.Add(1)
		go func(l *GracefulServer) {
			defer wg.Done()
			if err := l.Serve(); err != nil {
				errCh <- err
			}
		}(l)
	}

	var serveErr error
	select {
	case serveErr = <-errCh:
		logging.Error("listener failed", logging.Err(serveErr))
	case <-stop:
		logging.Info("shutdown signal received")
	}

	s.Shutdown()
	wg.Wait()
	return serveErr
}

// Shutdown gracefully stops every listener and unlinks any unix sockets
// this Server created, then releases every backend still open.
func (s *Server) Shutdown() {
	for _, l := range s.listeners {
		if err := l.Shutdown(); err != nil {
			logging.Error("listener shutdown error", logging.Err(err))
		}
	}
	for _, path := range s.sockets {
		_ = os.Remove(path)
	}
	for _, rl := range s.rateLimiters {
		rl.Stop()
	}
	s.ctx.Close()
}
