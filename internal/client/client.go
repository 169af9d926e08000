package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/ovirt/imageio/internal/backend"
	"github.com/ovirt/imageio/internal/logging"
)

// optionsInfo is the client-side decoding of the OPTIONS response
// described in §4.4.1 / §6.
type optionsInfo struct {
	Size       int64 `json:"size"`
	MaxReaders int   `json:"max_readers"`
	MaxWriters int   `json:"max_writers"`
	Features   struct {
		Extents bool `json:"extents"`
		Zero    bool `json:"zero"`
		Flush   bool `json:"flush"`
	} `json:"features"`
	UnixSocket string `json:"unix_socket,omitempty"`
}

// ImageioClient is the low-level capability object of §4.6: it issues
// the image-plane HTTP verbs (OPTIONS/GET/PUT/PATCH) against one
// ticket id on a running imageiod.
type ImageioClient struct {
	http    *http.Client
	baseURL string
	id      string
}

// NewImageioClient builds a client talking to baseURL (e.g.
// "https://host:54322" or "http://unix" when transport dials a unix
// socket) for the given ticket id.
func NewImageioClient(httpClient *http.Client, baseURL, id string) *ImageioClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ImageioClient{http: httpClient, baseURL: baseURL, id: id}
}

// NewUnixImageioClient builds a client that dials socketPath for every
// request, the "local data listener" path of §6.
func NewUnixImageioClient(socketPath, id string) *ImageioClient {
	return NewImageioClient(&http.Client{Transport: &http.Transport{
		DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
			return net.Dial("unix", socketPath)
		},
	}}, "http://unix", id)
}

func (c *ImageioClient) url(suffix string) string {
	return c.baseURL + "/images/" + c.id + suffix
}

// Options probes server capabilities before planning a transfer (§4.6
// step 3).
func (c *ImageioClient) Options(ctx context.Context) (*optionsInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, c.url(""), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OPTIONS %s: %s", c.id, resp.Status)
	}
	var info optionsInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Extents fetches the server's extent map for which (§4.4.5).
func (c *ImageioClient) Extents(ctx context.Context, which backend.ExtentContext) ([]backend.Extent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/extents?context="+string(which)), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET extents %s: %s", c.id, resp.Status)
	}
	var extents []backend.Extent
	if err := json.NewDecoder(resp.Body).Decode(&extents); err != nil {
		return nil, err
	}
	return extents, nil
}

// getRange reads [start, start+length) into w (§4.4.2).
func (c *ImageioClient) getRange(ctx context.Context, start, length int64, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(""), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, start+length-1))
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s [%d,%d): %s", c.id, start, start+length, resp.Status)
	}
	_, err = io.CopyN(w, resp.Body, length)
	return err
}

// putRange writes data at start. flush matches the server's ?flush= query
// semantics of §4.4.3: true durably persists this write before returning.
func (c *ImageioClient) putRange(ctx context.Context, start int64, data []byte, flush bool) error {
	url := c.url("")
	if !flush {
		url += "?flush=n"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", start, start+int64(len(data))-1))
	req.ContentLength = int64(len(data))
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("PUT %s [%d,+%d): %s: %s", c.id, start, len(data), resp.Status, string(body))
	}
	return nil
}

// patchZero zeros [offset, offset+size) via PATCH (§4.4.4).
func (c *ImageioClient) patchZero(ctx context.Context, offset, size int64, flush bool) error {
	return c.patch(ctx, map[string]any{"op": "zero", "offset": offset, "size": size, "flush": flush})
}

// PatchFlush issues a flush PATCH, for durability across connections
// (§5 "flush=y ... does not guarantee durability for writes from other
// connections unless followed by a PATCH/flush").
func (c *ImageioClient) PatchFlush(ctx context.Context) error {
	return c.patch(ctx, map[string]any{"op": "flush"})
}

func (c *ImageioClient) patch(ctx context.Context, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.url(""), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("PATCH %s: %s: %s", c.id, resp.Status, string(respBody))
	}
	return nil
}

// TransferOptions tunes Upload/Download (§4.6, §5 concurrency cap).
type TransferOptions struct {
	Workers  int
	Progress func(bytesDone int64)
}

// Upload copies srcPath into the ticket's image over HTTP, planning
// work from the local image's own extents so unallocated ranges become
// PATCH/zero instead of wasted data transfer (§4.6 "Upload plan").
func (c *ImageioClient) Upload(ctx context.Context, srcPath string, opts TransferOptions) error {
	info, err := c.Options(ctx)
	if err != nil {
		return fmt.Errorf("probing server capabilities: %w", err)
	}

	localDir, err := os.MkdirTemp("", "imageio-upload-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(localDir)

	qnbd, err := StartQemuNBD(ctx, srcPath, localDir, false)
	if err != nil {
		return fmt.Errorf("exporting %s via qemu-nbd: %w", srcPath, err)
	}
	defer qnbd.Stop()

	local, err := backend.DialNBD(backend.NBDConfig{
		Network:    "unix",
		Address:    qnbd.SocketPath,
		ExportName: qnbd.ExportName,
	})
	if err != nil {
		return fmt.Errorf("connecting to local qemu-nbd export: %w", err)
	}
	defer local.Close()

	extents, err := local.Extents(ctx, backend.ContextZero)
	if err != nil {
		return fmt.Errorf("reading local extents: %w", err)
	}
	items := planFromExtents(extents)

	workers := concurrencyCap(opts.Workers, info.MaxWriters)
	logging.Info("upload starting",
		logging.String("ticket", c.id),
		logging.Int("workers", workers),
		logging.Int("items", len(items)))

	var transferred atomic.Int64
	err = runWorkers(ctx, workers, items, func(ctx context.Context, item workItem) error {
		switch item.Kind {
		case workZero:
			if err := c.patchZero(ctx, item.Start, item.Length, false); err != nil {
				return err
			}
		case workData:
			buf := make([]byte, item.Length)
			if err := local.ReadAt(ctx, buf, item.Start); err != nil {
				return fmt.Errorf("reading local range [%d,+%d): %w", item.Start, item.Length, err)
			}
			if err := c.putRange(ctx, item.Start, buf, false); err != nil {
				return err
			}
		}
		if opts.Progress != nil {
			opts.Progress(transferred.Add(item.Length))
		}
		return nil
	})
	if err != nil {
		return err
	}

	return c.PatchFlush(ctx)
}

// Download copies the ticket's image to dstPath. Zero extents seek-skip
// over dstPath, leaving the filesystem to materialize a hole, rather
// than writing real zero bytes (§4.6 "Download plan").
func (c *ImageioClient) Download(ctx context.Context, dstPath string, opts TransferOptions) error {
	info, err := c.Options(ctx)
	if err != nil {
		return fmt.Errorf("probing server capabilities: %w", err)
	}

	extents, err := c.Extents(ctx, backend.ContextZero)
	if err != nil {
		return fmt.Errorf("reading server extents: %w", err)
	}
	items := planFromExtents(extents)

	f, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(info.Size); err != nil {
		return err
	}

	workers := concurrencyCap(opts.Workers, info.MaxReaders)
	logging.Info("download starting",
		logging.String("ticket", c.id),
		logging.Int("workers", workers),
		logging.Int("items", len(items)))

	var transferred atomic.Int64
	err = runWorkers(ctx, workers, items, func(ctx context.Context, item workItem) error {
		if item.Kind == workZero {
			// Holes are the file's default content; nothing to write.
			if opts.Progress != nil {
				opts.Progress(transferred.Add(item.Length))
			}
			return nil
		}
		var buf bytes.Buffer
		if err := c.getRange(ctx, item.Start, item.Length, &buf); err != nil {
			return err
		}
		if _, err := f.WriteAt(buf.Bytes(), item.Start); err != nil {
			return err
		}
		if opts.Progress != nil {
			opts.Progress(transferred.Add(item.Length))
		}
		return nil
	})
	return err
}

// Checksum computes the sha256 digest of a local file, used by callers
// to verify a completed transfer end-to-end.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

