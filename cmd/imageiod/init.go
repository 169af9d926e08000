package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ovirt/imageio/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runInit,
}

func init() {
	f := initCmd.Flags()
	f.String("config-dir", "", "configuration directory (default: ~/.imageio)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	if configDir == "" {
		configDir = config.DefaultConfigDir()
	}

	if config.Exists(configDir) {
		return fmt.Errorf("configuration already exists at %s", configDir)
	}

	cfg := config.Default()
	cfg.ConfigDir = configDir
	if err := cfg.Save(); err != nil {
		return err
	}

	fmt.Printf("Wrote default configuration to %s/config.json\n", configDir)
	return nil
}
