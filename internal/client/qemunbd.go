// Package client implements the transfer engine of §4.6: it drives a
// local qemu-nbd export of a disk image, plans work against the
// server's reported extents, and moves bytes through a bounded worker
// pool.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ovirt/imageio/internal/logging"
)

// ImageInfo is the subset of `qemu-img info --output=json` this package
// needs to plan a transfer.
type ImageInfo struct {
	Format      string `json:"format"`
	VirtualSize int64  `json:"virtual-size"`
}

// QemuToolsInstalled reports whether qemu-img and qemu-nbd are on PATH.
func QemuToolsInstalled() bool {
	_, imgErr := exec.LookPath("qemu-img")
	_, nbdErr := exec.LookPath("qemu-nbd")
	return imgErr == nil && nbdErr == nil
}

// ProbeImage runs `qemu-img info` on path and reports its format and
// virtual size, the first step of the upload plan (§4.6 step 1).
func ProbeImage(ctx context.Context, path string) (*ImageInfo, error) {
	cmd := exec.CommandContext(ctx, "qemu-img", "info", "--output=json", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("qemu-img info %s: %w: %s", path, err, stderr.String())
	}

	var info ImageInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, fmt.Errorf("parsing qemu-img info output: %w", err)
	}
	return &info, nil
}

// QemuNBD is a running `qemu-nbd` subprocess exporting a local image
// over a unix socket, so the client can reuse backend.DialNBD to read
// its extents and content the same way the server reads a remote
// export (§4.6 step 2-4).
type QemuNBD struct {
	cmd        *exec.Cmd
	SocketPath string
	ExportName string
}

// StartQemuNBD launches qemu-nbd against path, exporting it read-only
// (writable=false) or read-write over a freshly created unix socket
// under dir. The caller must call Stop when done.
func StartQemuNBD(ctx context.Context, path, dir string, writable bool) (*QemuNBD, error) {
	socketPath := filepath.Join(dir, fmt.Sprintf("qemu-nbd-%d.sock", time.Now().UnixNano()))
	const exportName = "img"

	args := []string{
		"--socket=" + socketPath,
		"--persistent",
		"--export-name=" + exportName,
		"--allocation-depth",
	}
	if !writable {
		args = append(args, "--read-only")
	}
	args = append(args, path)

	cmd := exec.CommandContext(ctx, "qemu-nbd", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting qemu-nbd: %w", err)
	}

	q := &QemuNBD{cmd: cmd, SocketPath: socketPath, ExportName: exportName}
	if err := q.waitForSocket(ctx); err != nil {
		_ = q.Stop()
		return nil, fmt.Errorf("qemu-nbd did not come up: %w (stderr: %s)", err, stderr.String())
	}

	logging.Debug("qemu-nbd started",
		logging.String("path", path),
		logging.String("socket", socketPath),
		logging.Bool("writable", writable))
	return q, nil
}

// waitForSocket polls for the unix socket file qemu-nbd creates on
// startup; there is no readiness signal on its stdout in --persistent
// mode.
func (q *QemuNBD) waitForSocket(ctx context.Context) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(q.SocketPath); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return fmt.Errorf("timed out waiting for %s", q.SocketPath)
}

// Stop terminates the qemu-nbd subprocess and removes its socket file.
func (q *QemuNBD) Stop() error {
	if q.cmd.Process != nil {
		_ = q.cmd.Process.Kill()
	}
	_ = q.cmd.Wait()
	_ = os.Remove(q.SocketPath)
	return nil
}

// qemuNBDPIDString is a small helper used by tests to assert a process
// was actually started.
func (q *QemuNBD) qemuNBDPIDString() string {
	if q.cmd.Process == nil {
		return ""
	}
	return strconv.Itoa(q.cmd.Process.Pid)
}
