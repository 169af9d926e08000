package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovirt/imageio/internal/config"
)

func TestServerListenLocalAndControlUnixSockets(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Remote.Addr = ""
	cfg.Local.SocketPath = filepath.Join(dir, "local.sock")
	cfg.Control.SocketPath = filepath.Join(dir, "control.sock")
	cfg.Control.TCPAddr = ""

	srv := New(cfg)
	require.NoError(t, srv.Listen())
	require.Len(t, srv.listeners, 2)

	go srv.Serve()
	defer srv.Shutdown()

	time.Sleep(50 * time.Millisecond)

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
			return net.Dial("unix", cfg.Control.SocketPath)
		},
	}}
	resp, err := client.Get("http://unix/tickets/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "[")
}

func TestServerListenControlRequiresAddress(t *testing.T) {
	cfg := config.Default()
	cfg.Remote.Addr = ""
	cfg.Control.SocketPath = ""
	cfg.Control.TCPAddr = ""

	srv := New(cfg)
	err := srv.Listen()
	assert.Error(t, err)
}

func TestServerListenRemoteRequiresCertAndKey(t *testing.T) {
	cfg := config.Default()
	cfg.Remote.Addr = "127.0.0.1:0"
	cfg.Remote.CertFile = ""
	cfg.Remote.KeyFile = ""
	cfg.Control.TCPAddr = "127.0.0.1:0"

	srv := New(cfg)
	err := srv.Listen()
	assert.Error(t, err)
}
