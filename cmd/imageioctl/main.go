// Command imageioctl is the control-plane CLI: it talks to a running
// imageiod's control listener to install, inspect, extend and cancel
// tickets (§6).
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "imageioctl",
	Short:   "imageio control-plane CLI",
	Version: Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	f := rootCmd.PersistentFlags()
	f.String("control-socket", "", "control listener unix socket path (default: read from config)")
	f.String("control-addr", "", "control listener TCP address, e.g. 127.0.0.1:54323")
	f.String("config-dir", "", "configuration directory (default: ~/.imageio)")
}

// main exits 0 on success, 2 on usage error, 1 on runtime failure, per §6.
func main() {
	rootCmd.SilenceErrors = true
	// Flag-parsing and argument-count errors come from cobra itself; mark
	// them as usage errors so they exit 2 as well.
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})
	for _, c := range rootCmd.Commands() {
		if validate := c.Args; validate != nil {
			c.Args = func(cmd *cobra.Command, args []string) error {
				if err := validate(cmd, args); err != nil {
					return &usageError{err: err}
				}
				return nil
			}
		}
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if isUsageError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// usageError marks an error as a CLI-usage mistake (wrong arg count,
// unparseable input) rather than a runtime failure talking to imageiod.
type usageError struct{ err error }

func (u *usageError) Error() string { return u.err.Error() }
func (u *usageError) Unwrap() error { return u.err }

func newUsageError(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func isUsageError(err error) bool {
	var u *usageError
	return errors.As(err, &u)
}
