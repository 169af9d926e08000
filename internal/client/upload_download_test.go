package client

import (
	"context"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ovirt/imageio/internal/httpapi"
	"github.com/ovirt/imageio/internal/ticket"
)

// TestUploadDownloadRoundTrip exercises the full qemu-nbd-backed Upload
// and Download paths end to end. It requires qemu-img and qemu-nbd on
// PATH and is skipped otherwise (see QemuToolsInstalled).
func TestUploadDownloadRoundTrip(t *testing.T) {
	if !QemuToolsInstalled() {
		t.Skip("qemu-img/qemu-nbd not installed")
	}

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.img")
	require.NoError(t, exec.Command("qemu-img", "create", "-f", "raw", srcPath, "16M").Run())
	require.NoError(t, os.WriteFile(srcPath, []byte("some bytes at the start of the image"), 0600))

	dstPath := filepath.Join(dir, "dst.img")
	require.NoError(t, os.WriteFile(dstPath, make([]byte, 16<<20), 0600))

	serverCtx := httpapi.NewContext()
	require.NoError(t, serverCtx.Tickets.Add(ticket.Spec{
		UUID:    "upload",
		URL:     "file://" + dstPath,
		Size:    16 << 20,
		Ops:     []ticket.Op{ticket.OpWrite},
		Timeout: 300,
		Sparse:  true,
	}))
	require.NoError(t, serverCtx.Tickets.Add(ticket.Spec{
		UUID:    "download",
		URL:     "file://" + dstPath,
		Size:    16 << 20,
		Ops:     []ticket.Op{ticket.OpRead},
		Timeout: 300,
		Sparse:  true,
	}))

	srv := httptest.NewServer(httpapi.NewDataMux(serverCtx))
	t.Cleanup(srv.Close)

	uploader := NewImageioClient(srv.Client(), srv.URL, "upload")
	require.NoError(t, uploader.Upload(context.Background(), srcPath, TransferOptions{Workers: 2}))

	roundTripPath := filepath.Join(dir, "roundtrip.img")
	downloader := NewImageioClient(srv.Client(), srv.URL, "download")
	require.NoError(t, downloader.Download(context.Background(), roundTripPath, TransferOptions{Workers: 2}))

	wantSum, err := Checksum(dstPath)
	require.NoError(t, err)
	gotSum, err := Checksum(roundTripPath)
	require.NoError(t, err)
	require.Equal(t, wantSum, gotSum)
}
