package main

import (
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovirt/imageio/internal/httpapi"
)

// newTestCmd builds a cobra.Command carrying the root's persistent flags,
// so newControlClient sees --control-socket the way it would under
// rootCmd in production.
func newTestCmd() *cobra.Command {
	cmd := &cobra.Command{}
	f := cmd.Flags()
	f.String("control-socket", "", "")
	f.String("control-addr", "", "")
	f.String("config-dir", "", "")
	return cmd
}

// startControlSocket runs a real httpapi control mux over a unix socket
// in a background goroutine and returns its path.
func startControlSocket(t *testing.T) (string, *httpapi.Context) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "control.sock")

	ctx := httpapi.NewContext()
	mux := httpapi.NewControlMux(ctx)

	srv := httptest.NewUnstartedServer(mux)
	require.NoError(t, srv.Listener.Close())

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	return path, ctx
}

func TestAddShowModDelTicketRoundTrip(t *testing.T) {
	imgPath := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(imgPath, make([]byte, 1024), 0600))

	socketPath, _ := startControlSocket(t)

	specPath := filepath.Join(t.TempDir(), "ticket.json")
	specJSON := `{"uuid":"tk1","url":"file://` + imgPath + `","size":1024,"timeout":300,"ops":["read","write"]}`
	require.NoError(t, os.WriteFile(specPath, []byte(specJSON), 0600))

	cmd := newTestCmd()
	require.NoError(t, cmd.Flags().Set("control-socket", socketPath))
	cmd.SetContext(t.Context())
	require.NoError(t, runAddTicket(cmd, []string{specPath}))

	require.NoError(t, runShowTicket(cmd, []string{"tk1"}))

	// mod-ticket defines its own --timeout flag, absent from newTestCmd's
	// persistent-flag set, so it gets a dedicated command instance.
	modCmd := newTestCmd()
	modCmd.Flags().Int("timeout", -1, "")
	require.NoError(t, modCmd.Flags().Set("control-socket", socketPath))
	require.NoError(t, modCmd.Flags().Set("timeout", "600"))
	modCmd.SetContext(t.Context())
	require.NoError(t, runModTicket(modCmd, []string{"tk1"}))

	delCmd := newTestCmd()
	delCmd.Flags().Int("timeout", 0, "")
	require.NoError(t, delCmd.Flags().Set("control-socket", socketPath))
	delCmd.SetContext(t.Context())
	require.NoError(t, runDelTicket(delCmd, []string{"tk1"}))

	err := runShowTicket(cmd, []string{"tk1"})
	assert.Error(t, err)
}

func TestAddTicketRejectsUnknownField(t *testing.T) {
	socketPath, _ := startControlSocket(t)

	specPath := filepath.Join(t.TempDir(), "ticket.json")
	specJSON := `{"uuid":"tk1","url":"file:///tmp/x","size":1024,"timeout":300,"ops":["read"],"bogus":true}`
	require.NoError(t, os.WriteFile(specPath, []byte(specJSON), 0600))

	cmd := newTestCmd()
	require.NoError(t, cmd.Flags().Set("control-socket", socketPath))
	cmd.SetContext(t.Context())

	err := runAddTicket(cmd, []string{specPath})
	assert.Error(t, err)
}

func TestModTicketRequiresTimeoutFlag(t *testing.T) {
	socketPath, _ := startControlSocket(t)

	cmd := newTestCmd()
	cmd.Flags().Int("timeout", -1, "")
	require.NoError(t, cmd.Flags().Set("control-socket", socketPath))
	cmd.SetContext(t.Context())

	err := runModTicket(cmd, []string{"tk1"})
	assert.Error(t, err)
	assert.True(t, isUsageError(err))
}
