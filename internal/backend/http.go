package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/ovirt/imageio/internal/apperrors"
	"github.com/ovirt/imageio/internal/logging"
)

// HTTP proxies image I/O to a remote origin server speaking the same
// Range/Content-Range HTTP convention as this service's own data plane
// (§4.3 "HTTP backend, useful for chained imageio hosts or any origin
// that understands byte ranges"). Zero and Extents are re-issued against
// the origin as the same PATCH/GET-extents calls a client would make
// directly, per §4.3's "re-emits GET/PUT/PATCH/OPTIONS against the
// origin"; an origin that answers 404 to the extents call (no bitmap, or
// no extents support at all) surfaces here as NotSupported.
type HTTP struct {
	client   *http.Client
	baseURL  string
	size     int64
	writable bool
}

// DialHTTP issues a HEAD request to discover the origin's size via
// Content-Length. The origin must answer HEAD with 200; this service's
// own image handler does not answer HEAD.
func DialHTTP(client *http.Client, baseURL string, writable bool) (*HTTP, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequest(http.MethodHead, baseURL, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "http backend: building HEAD request", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "http backend: HEAD failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.KindInternal, fmt.Sprintf("http backend: origin returned %d", resp.StatusCode))
	}
	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "http backend: origin has no Content-Length", err)
	}

	logging.Debug("http backend connected", logging.String("url", baseURL), logging.Int64("size", size))
	return &HTTP{client: client, baseURL: baseURL, size: size, writable: writable}, nil
}

func (h *HTTP) Size() int64 { return h.size }

func (h *HTTP) MaxReaders() int { return 4 }

func (h *HTTP) MaxWriters() int {
	if !h.writable {
		return 0
	}
	return 1
}

func (h *HTTP) Close() error { return nil }

func (h *HTTP) ReadAt(ctx context.Context, p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > h.size {
		return apperrors.New(apperrors.KindRangeNotSatisfiable, "read beyond origin size")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "http backend: building GET request", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	resp, err := h.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "http backend: GET failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return apperrors.New(apperrors.KindInternal, fmt.Sprintf("http backend: origin returned %d", resp.StatusCode))
	}
	if _, err := io.ReadFull(resp.Body, p); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "http backend: short read from origin", err)
	}
	return nil
}

func (h *HTTP) WriteAt(ctx context.Context, p []byte, off int64, flush bool) error {
	if !h.writable {
		return errNotSupported("write")
	}
	if off < 0 || off+int64(len(p)) > h.size {
		return apperrors.New(apperrors.KindRangeNotSatisfiable, "write beyond origin size")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.baseURL, bytes.NewReader(p))
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "http backend: building PUT request", err)
	}
	req.ContentLength = int64(len(p))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", off, off+int64(len(p))-1, h.size))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := h.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "http backend: PUT failed", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apperrors.New(apperrors.KindInternal, fmt.Sprintf("http backend: origin returned %d on write", resp.StatusCode))
	}
	if flush {
		return h.Flush(ctx)
	}
	return nil
}

func (h *HTTP) Flush(ctx context.Context) error {
	if !h.writable {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, h.baseURL, bytes.NewReader([]byte(`{"op":"flush"}`)))
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "http backend: building flush request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "http backend: flush failed", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperrors.New(apperrors.KindInternal, fmt.Sprintf("http backend: origin returned %d on flush", resp.StatusCode))
	}
	return nil
}

func (h *HTTP) Zero(ctx context.Context, off, length int64, flush, punchHole bool) error {
	if !h.writable {
		return errNotSupported("zero")
	}
	body, err := json.Marshal(struct {
		Op     string `json:"op"`
		Offset int64  `json:"offset"`
		Size   int64  `json:"size"`
		Flush  bool   `json:"flush"`
	}{Op: "zero", Offset: off, Size: length, Flush: flush})
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "http backend: encoding zero request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, h.baseURL, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "http backend: building zero request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "http backend: zero failed", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperrors.New(apperrors.KindInternal, fmt.Sprintf("http backend: origin returned %d on zero", resp.StatusCode))
	}
	return nil
}

// Extents issues GET {baseURL}/extents?context=... against the origin,
// the same sub-resource this service's own image handler exposes
// (§4.4.5), and decodes the returned extent array.
func (h *HTTP) Extents(ctx context.Context, which ExtentContext) ([]Extent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/extents?context="+string(which), nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "http backend: building extents request", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "http backend: extents failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotSupported(string(which) + " extents")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.KindInternal, fmt.Sprintf("http backend: origin returned %d on extents", resp.StatusCode))
	}
	var extents []Extent
	if err := json.NewDecoder(resp.Body).Decode(&extents); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "http backend: decoding extents response", err)
	}
	return extents, nil
}
