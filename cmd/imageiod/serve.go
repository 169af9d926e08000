package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ovirt/imageio/internal/config"
	"github.com/ovirt/imageio/internal/filelock"
	"github.com/ovirt/imageio/internal/logging"
	"github.com/ovirt/imageio/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the data and control listeners",
	Long: `Start the remote TLS data listener, the local unix-socket data
listener, and the control listener, all sharing one ticket store.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("config-dir", "", "configuration directory (default: ~/.imageio)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")

	cfg, err := loadConfig(configDir)
	if err != nil {
		return err
	}

	// One daemon per config directory: a second `imageiod serve` against
	// the same directory would otherwise race on the unix sockets below.
	lock := filelock.NewForDir(cfg.ConfigDir)
	acquired, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("checking for another imageiod instance: %w", err)
	}
	if !acquired {
		return fmt.Errorf("another imageiod is already running against %s", cfg.ConfigDir)
	}
	defer lock.Unlock()

	srv := server.New(cfg)
	if err := srv.Listen(); err != nil {
		return err
	}

	logging.Info("imageiod serving",
		logging.String("remote_addr", cfg.Remote.Addr),
		logging.String("local_socket", cfg.Local.SocketPath),
		logging.String("control_socket", cfg.Control.SocketPath),
		logging.String("control_addr", cfg.Control.TCPAddr))

	return srv.Serve()
}
