package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ovirt/imageio/internal/apperrors"
	"github.com/ovirt/imageio/internal/backend"
	"github.com/ovirt/imageio/internal/ticket"
)

// dataPlaneErr translates a bare "ticket unknown" error from the store
// into the blanket 403 §4.4.7 requires for the whole image handler
// ("unknown/expired/canceled ticket ⇒ 403"); the control handler on
// /tickets/{id} wants the store's own 404 for the same condition and
// calls c.Tickets directly without this translation.
func dataPlaneErr(err error) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.New(apperrors.KindForbidden, "unknown ticket")
	}
	return err
}

// handleImages dispatches every verb on /images/{id} and the
// /images/{id}/extents sub-resource (§4.4), mirroring the
// parts := strings.SplitN(...) path-parsing the teacher's storage
// server and its own api.Server.handleRequestByID use for REST-ish
// stdlib routing.
func (c *Context) handleImages(w http.ResponseWriter, r *http.Request, allowWildcard bool) {
	path := strings.TrimPrefix(r.URL.Path, "/images/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.Error(w, "ticket id required", http.StatusBadRequest)
		return
	}
	if id == "*" && !allowWildcard {
		writeError(w, apperrors.New(apperrors.KindNotFound, "unknown ticket"), 0)
		return
	}

	if len(parts) == 2 && parts[1] == "extents" {
		c.handleExtents(w, r, id)
		return
	}
	if len(parts) == 2 && parts[1] != "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodOptions:
		c.handleOptions(w, r, id)
	case http.MethodGet:
		c.handleGet(w, r, id)
	case http.MethodPut:
		c.handlePut(w, r, id)
	case http.MethodPatch:
		c.handlePatch(w, r, id)
	default:
		w.Header().Set("Allow", "GET, PUT, PATCH, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// featureSet reports which of extents/zero/flush this ticket's backend
// and ops intersection permits (§4.4.1).
type featureSet struct {
	Extents bool `json:"extents"`
	Zero    bool `json:"zero"`
	Flush   bool `json:"flush"`
}

type optionsResponse struct {
	Size           int64      `json:"size"`
	MaxReaders     int        `json:"max_readers"`
	MaxWriters     int        `json:"max_writers"`
	Features       featureSet `json:"features"`
	UnixSocket     string     `json:"unix_socket,omitempty"`
}

// handleOptions answers the capability probe a client uses before
// planning a transfer (§6 "OPTIONS the server to learn max_writers,
// features, and unix_socket"). The literal ticket id "*" is permitted
// only on the control listener and reports synthetic all-verbs
// capabilities without touching the ticket table.
func (c *Context) handleOptions(w http.ResponseWriter, r *http.Request, id string) {
	if id == "*" {
		writeOptionsJSON(w, optionsResponse{
			Features:   featureSet{Extents: true, Zero: true, Flush: true},
			UnixSocket: c.UnixSocketAddr,
		}, []string{"GET", "PUT", "PATCH", "OPTIONS"})
		return
	}

	size, err := c.Tickets.Size(id)
	if err != nil {
		writeError(w, dataPlaneErr(err), 0)
		return
	}
	canRead, _ := c.Tickets.AllowsOp(id, ticket.OpRead)
	canWrite, _ := c.Tickets.AllowsOp(id, ticket.OpWrite)

	allow := []string{"OPTIONS"}
	if canRead {
		allow = append(allow, "GET")
	}
	if canWrite {
		allow = append(allow, "PUT", "PATCH")
	}

	url, _ := c.Tickets.URL(id)
	b, err := c.Backends.Open(id, url, canWrite)
	features := featureSet{}
	maxReaders, maxWriters := 0, 0
	if err == nil {
		if canRead {
			if _, extErr := b.Extents(r.Context(), backend.ContextZero); extErr == nil {
				features.Extents = true
			}
			maxReaders = b.MaxReaders()
		}
		if canWrite {
			features.Zero = true
			features.Flush = true
			maxWriters = b.MaxWriters()
		}
	}

	writeOptionsJSON(w, optionsResponse{
		Size:       size,
		MaxReaders: maxReaders,
		MaxWriters: maxWriters,
		Features:   features,
		UnixSocket: c.UnixSocketAddr,
	}, allow)
}

func writeOptionsJSON(w http.ResponseWriter, resp optionsResponse, allow []string) {
	w.Header().Set("Allow", strings.Join(allow, ", "))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleGet streams [start, end] from the backend, chunked through the
// shared pool buffer, checking the ticket's cancellation signal between
// chunks (§4.4.6).
func (c *Context) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	size, err := c.Tickets.Size(id)
	if err != nil {
		writeError(w, dataPlaneErr(err), 0)
		return
	}

	rng, err := parseRangeHeader(r.Header.Get("Range"), size)
	if err != nil {
		writeError(w, err, size)
		return
	}
	if rng == nil {
		rng = &byteRange{Start: 0, End: size - 1}
	}

	lease, err := c.Tickets.Authorize(id, ticket.OpRead, rng.Start, rng.End+1)
	if err != nil {
		writeError(w, err, size)
		return
	}
	var transferred int64
	defer func() { c.Tickets.Release(lease, transferred) }()

	url, err := c.Tickets.URL(id)
	if err != nil {
		writeError(w, err, size)
		return
	}
	b, err := c.Backends.Open(id, url, false)
	if err != nil {
		writeError(w, err, size)
		return
	}

	length := rng.End - rng.Start + 1
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Range", contentRangeHeader(*rng))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)

	buf := c.Pool.Get()
	defer c.Pool.Put(buf)

	cancel := lease.CancelSignal()
	off := rng.Start
	remaining := length
	for remaining > 0 {
		select {
		case <-cancel:
			return
		default:
		}
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		chunk := buf[:n]
		if err := b.ReadAt(r.Context(), chunk, off); err != nil {
			return
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		off += n
		remaining -= n
		transferred += n
	}
}

// handlePut consumes the body in pool-sized chunks and streams it to the
// backend's write_from, flushing on the final chunk when flush=y
// (default) (§4.4.3).
func (c *Context) handlePut(w http.ResponseWriter, r *http.Request, id string) {
	size, err := c.Tickets.Size(id)
	if err != nil {
		writeError(w, dataPlaneErr(err), 0)
		return
	}

	start, err := parseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		writeError(w, err, size)
		return
	}
	if r.ContentLength < 0 {
		writeError(w, apperrors.New(apperrors.KindBadRequest, "Content-Length is required"), size)
		return
	}
	end := start + r.ContentLength

	flush := r.URL.Query().Get("flush") != "n"

	lease, err := c.Tickets.Authorize(id, ticket.OpWrite, start, end)
	if err != nil {
		writeError(w, err, size)
		return
	}
	var transferred int64
	defer func() { c.Tickets.Release(lease, transferred) }()

	url, err := c.Tickets.URL(id)
	if err != nil {
		writeError(w, err, size)
		return
	}
	b, err := c.Backends.Open(id, url, true)
	if err != nil {
		writeError(w, err, size)
		return
	}

	buf := c.Pool.Get()
	defer c.Pool.Put(buf)

	cancel := lease.CancelSignal()
	off := start
	remaining := r.ContentLength
	for remaining > 0 {
		select {
		case <-cancel:
			r.Body.Close()
			return
		default:
		}
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		chunk := buf[:n]
		if _, err := io.ReadFull(r.Body, chunk); err != nil {
			writeError(w, apperrors.Wrap(apperrors.KindBadRequest, "short request body", err), size)
			return
		}
		last := remaining == n
		if err := b.WriteAt(r.Context(), chunk, off, last && flush); err != nil {
			writeError(w, err, size)
			return
		}
		off += n
		remaining -= n
		transferred += n
	}

	w.WriteHeader(http.StatusOK)
}

// handlePatch implements the zero/flush JSON PATCH verbs (§4.4.4).
func (c *Context) handlePatch(w http.ResponseWriter, r *http.Request, id string) {
	size, err := c.Tickets.Size(id)
	if err != nil {
		writeError(w, dataPlaneErr(err), 0)
		return
	}

	body, err := decodePatchBody(r.Body)
	if err != nil {
		writeError(w, err, size)
		return
	}

	switch body.Op {
	case patchOpZero:
		c.patchZero(w, r, id, size, body)
	case patchOpFlush:
		c.patchFlush(w, r, id, size)
	}
}

func (c *Context) patchZero(w http.ResponseWriter, r *http.Request, id string, size int64, body *patchBody) {
	start := body.Offset
	end := body.Offset + body.Size

	lease, err := c.Tickets.Authorize(id, ticket.OpWrite, start, end)
	if err != nil {
		writeError(w, err, size)
		return
	}
	defer c.Tickets.Release(lease, body.Size)

	sparse, _, err := c.Tickets.Flags(id)
	if err != nil {
		writeError(w, err, size)
		return
	}

	url, err := c.Tickets.URL(id)
	if err != nil {
		writeError(w, err, size)
		return
	}
	b, err := c.Backends.Open(id, url, true)
	if err != nil {
		writeError(w, err, size)
		return
	}

	if err := b.Zero(r.Context(), start, body.Size, body.Flush, sparse); err != nil {
		writeError(w, err, size)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (c *Context) patchFlush(w http.ResponseWriter, r *http.Request, id string, size int64) {
	lease, err := c.Tickets.Authorize(id, ticket.OpWrite, 0, 0)
	if err != nil {
		writeError(w, err, size)
		return
	}
	defer c.Tickets.Release(lease, 0)

	url, err := c.Tickets.URL(id)
	if err != nil {
		writeError(w, err, size)
		return
	}
	b, err := c.Backends.Open(id, url, true)
	if err != nil {
		writeError(w, err, size)
		return
	}

	if err := b.Flush(r.Context()); err != nil {
		writeError(w, err, size)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleExtents implements GET /images/{id}/extents (§4.4.5).
func (c *Context) handleExtents(w http.ResponseWriter, r *http.Request, id string) {
	size, err := c.Tickets.Size(id)
	if err != nil {
		writeError(w, dataPlaneErr(err), 0)
		return
	}

	ctxParam := r.URL.Query().Get("context")
	which := backend.ContextZero
	if ctxParam == string(backend.ContextDirty) {
		which = backend.ContextDirty
	}

	_, dirty, err := c.Tickets.Flags(id)
	if err != nil {
		writeError(w, err, size)
		return
	}
	if which == backend.ContextDirty && !dirty {
		http.NotFound(w, r)
		return
	}

	lease, err := c.Tickets.Authorize(id, ticket.OpRead, 0, size)
	if err != nil {
		writeError(w, err, size)
		return
	}
	defer c.Tickets.Release(lease, 0)

	url, err := c.Tickets.URL(id)
	if err != nil {
		writeError(w, err, size)
		return
	}
	b, err := c.Backends.Open(id, url, false)
	if err != nil {
		writeError(w, err, size)
		return
	}

	extents, err := b.Extents(r.Context(), which)
	if err != nil {
		writeError(w, err, size)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(extents)
}
