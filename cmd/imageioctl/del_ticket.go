package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var delTicketCmd = &cobra.Command{
	Use:   "del-ticket ID",
	Short: "Cancel and remove a ticket",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelTicket,
}

func init() {
	f := delTicketCmd.Flags()
	f.Int("timeout", 0, "seconds to wait for in-flight operations to finish before forcing cancellation (0: wait forever)")
	rootCmd.AddCommand(delTicketCmd)
}

func runDelTicket(cmd *cobra.Command, args []string) error {
	id := args[0]
	timeout, _ := cmd.Flags().GetInt("timeout")

	client, err := newControlClient(cmd)
	if err != nil {
		return err
	}

	path := "/tickets/" + id
	if timeout > 0 {
		path += "?" + url.Values{"timeout": {fmt.Sprint(timeout)}}.Encode()
	}

	resp, err := client.do(cmd.Context(), http.MethodDelete, path, nil)
	if err != nil {
		return fmt.Errorf("contacting imageiod: %w", err)
	}
	if err := decodeOrError(resp, nil); err != nil {
		return err
	}

	fmt.Printf("ticket %s removed\n", id)
	return nil
}
