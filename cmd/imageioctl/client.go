package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/ovirt/imageio/internal/config"
)

// controlClient is a thin HTTP client pointed at a running imageiod's
// control listener, preferring the unix socket over TCP loopback when
// both are configured (server.listenControl binds both in that case).
type controlClient struct {
	http    *http.Client
	baseURL string
}

func newControlClient(cmd *cobra.Command) (*controlClient, error) {
	socketPath, _ := cmd.Flags().GetString("control-socket")
	addr, _ := cmd.Flags().GetString("control-addr")
	configDir, _ := cmd.Flags().GetString("config-dir")

	if socketPath == "" && addr == "" {
		cfg, err := config.Load(configDir)
		if err != nil {
			return nil, fmt.Errorf("no --control-socket or --control-addr given, and config could not be loaded: %w", err)
		}
		socketPath = cfg.Control.SocketPath
		addr = cfg.Control.TCPAddr
	}

	if socketPath != "" {
		return &controlClient{
			baseURL: "http://unix",
			http: &http.Client{Transport: &http.Transport{
				DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			}},
		}, nil
	}
	if addr != "" {
		return &controlClient{baseURL: "http://" + addr, http: http.DefaultClient}, nil
	}
	return nil, fmt.Errorf("control listener not configured: pass --control-socket or --control-addr")
}

func (c *controlClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// decodeOrError reads resp's body into out on 2xx, else returns the
// server's error message as an error.
func decodeOrError(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("imageiod returned %s: %s", resp.Status, bytesTrim(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// jsonUnmarshalFile decodes a ticket spec file strictly, so a typo'd
// field name is caught client-side instead of round-tripping to
// imageiod only to be rejected there.
func jsonUnmarshalFile(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func bytesTrim(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
