// Package server assembles the daemon's listeners (remote TLS, local
// unix socket, control) around a shared httpapi.Context and gives each one
// graceful start/shutdown semantics.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/ovirt/imageio/internal/logging"
)

// ShutdownTimeout bounds how long Shutdown waits for in-flight requests
// to drain before giving up.
const ShutdownTimeout = 5 * time.Second

// GracefulServer wraps an http.Server bound to an already-opened
// net.Listener (a plain TCP listener, a unix socket, or a TLS listener)
// with graceful shutdown semantics.
type GracefulServer struct {
	name         string
	server       *http.Server
	listener     net.Listener
	beforeStop   func()
	shutdownHook func()
}

// NewGracefulServer pairs an http.Server with a listener it does not yet
// own. name is used only for log lines, to tell the three listeners apart.
func NewGracefulServer(name string, server *http.Server, listener net.Listener) *GracefulServer {
	return &GracefulServer{name: name, server: server, listener: listener}
}

// Serve runs the server on its listener until Shutdown is called or the
// listener returns a non-ErrServerClosed error.
func (gs *GracefulServer) Serve() error {
	logging.Info("listener started", logging.String("listener", gs.name), logging.String("addr", gs.listener.Addr().String()))
	err := gs.server.Serve(gs.listener)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, waiting up to ShutdownTimeout for
// in-flight requests before returning.
func (gs *GracefulServer) Shutdown() error {
	if gs.beforeStop != nil {
		gs.beforeStop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := gs.server.Shutdown(ctx); err != nil {
		return err
	}

	if gs.shutdownHook != nil {
		gs.shutdownHook()
	}
	logging.Info("listener stopped", logging.String("listener", gs.name))
	return nil
}
