package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ovirt/imageio/internal/ticket"
)

var showTicketCmd = &cobra.Command{
	Use:   "show-ticket ID",
	Short: "Print a ticket's current status",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowTicket,
}

func init() {
	rootCmd.AddCommand(showTicketCmd)
}

func runShowTicket(cmd *cobra.Command, args []string) error {
	id := args[0]

	client, err := newControlClient(cmd)
	if err != nil {
		return err
	}

	resp, err := client.do(cmd.Context(), http.MethodGet, "/tickets/"+id, nil)
	if err != nil {
		return fmt.Errorf("contacting imageiod: %w", err)
	}
	var status ticket.Status
	if err := decodeOrError(resp, &status); err != nil {
		return err
	}

	ops := make([]string, 0, len(status.Ops))
	for _, op := range status.Ops {
		ops = append(ops, string(op))
	}

	fmt.Printf("uuid:        %s\n", status.UUID)
	fmt.Printf("url:         %s\n", status.URL)
	fmt.Printf("size:        %d\n", status.Size)
	fmt.Printf("ops:         %s\n", strings.Join(ops, ","))
	fmt.Printf("timeout:     %d\n", status.Timeout)
	fmt.Printf("expires_at:  %d\n", status.ExpiresAt)
	fmt.Printf("idle_time:   %.1f\n", status.IdleTime)
	fmt.Printf("connections: %d\n", status.Connections)
	fmt.Printf("active:      %t\n", status.Active)
	fmt.Printf("canceled:    %t\n", status.Canceled)
	if status.Transferred != nil {
		fmt.Printf("transferred: %d\n", *status.Transferred)
	}
	if status.Sparse {
		fmt.Printf("sparse:      true\n")
	}
	if status.Dirty {
		fmt.Printf("dirty:       true\n")
	}
	if status.TransferID != "" {
		fmt.Printf("transfer_id: %s\n", status.TransferID)
	}
	if status.Filename != "" {
		fmt.Printf("filename:    %s\n", status.Filename)
	}
	return nil
}
