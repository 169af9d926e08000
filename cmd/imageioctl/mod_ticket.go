package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var modTicketCmd = &cobra.Command{
	Use:   "mod-ticket ID",
	Short: "Extend a ticket's timeout",
	Args:  cobra.ExactArgs(1),
	RunE:  runModTicket,
}

func init() {
	f := modTicketCmd.Flags()
	f.Int("timeout", -1, "new timeout in seconds, relative to now (required)")
	rootCmd.AddCommand(modTicketCmd)
}

func runModTicket(cmd *cobra.Command, args []string) error {
	id := args[0]

	timeout, _ := cmd.Flags().GetInt("timeout")
	if timeout < 0 {
		return newUsageError("--timeout is required and must be >= 0")
	}

	client, err := newControlClient(cmd)
	if err != nil {
		return err
	}

	body := struct {
		Timeout int `json:"timeout"`
	}{Timeout: timeout}

	resp, err := client.do(cmd.Context(), http.MethodPatch, "/tickets/"+id, body)
	if err != nil {
		return fmt.Errorf("contacting imageiod: %w", err)
	}
	if err := decodeOrError(resp, nil); err != nil {
		return err
	}

	fmt.Printf("ticket %s timeout extended to %ds\n", id, timeout)
	return nil
}
