package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/ovirt/imageio/internal/ticket"
)

var addTicketCmd = &cobra.Command{
	Use:   "add-ticket FILE",
	Short: "Install a ticket from a JSON spec file",
	Args:  cobra.ExactArgs(1),
	RunE:  runAddTicket,
}

func init() {
	rootCmd.AddCommand(addTicketCmd)
}

func runAddTicket(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return newUsageError("reading %s: %w", args[0], err)
	}

	client, err := newControlClient(cmd)
	if err != nil {
		return err
	}

	var spec ticket.Spec
	if err := jsonUnmarshalFile(data, &spec); err != nil {
		return newUsageError("parsing ticket spec: %w", err)
	}
	if spec.UUID == "" {
		return newUsageError("ticket spec in %s is missing \"uuid\"", args[0])
	}

	resp, err := client.do(cmd.Context(), http.MethodPut, "/tickets/"+spec.UUID, spec)
	if err != nil {
		return fmt.Errorf("contacting imageiod: %w", err)
	}
	if err := decodeOrError(resp, nil); err != nil {
		return err
	}

	fmt.Printf("ticket %s installed\n", spec.UUID)
	return nil
}
