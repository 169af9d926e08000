// Command imageiod is the data-plane daemon: it serves virtual disk
// images over HTTPS, NBD and local file backends under ticket-based
// authorization (§1).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ovirt/imageio/internal/config"
	"github.com/ovirt/imageio/internal/logging"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "imageiod",
	Short:   "imageio data-plane daemon",
	Version: Version,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(configDir string) (*config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}
