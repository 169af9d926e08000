package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOrigin is a minimal in-memory HTTP image server exercising just
// enough of the Range/Content-Range convention, plus the extents
// sub-resource and zero/flush PATCH bodies, for HTTP's tests.
type fakeOrigin struct {
	mu          sync.Mutex
	data        []byte
	extents     []Extent // served for GET /extents?context=zero
	lastPatch   map[string]any
	noDirtyCtx  bool // GET /extents?context=dirty returns 404
}

func (o *fakeOrigin) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		defer o.mu.Unlock()

		if r.URL.Path == "/extents" {
			if r.URL.Query().Get("context") == "dirty" && o.noDirtyCtx {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(o.extents)
			return
		}

		switch r.Method {
		case http.MethodHead:
			w.Header().Set("Content-Length", strconv.Itoa(len(o.data)))
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			var start, end int
			fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
			w.WriteHeader(http.StatusPartialContent)
			w.Write(o.data[start : end+1])
		case http.MethodPut:
			var start, end, total int
			fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/%d", &start, &end, &total)
			buf := make([]byte, end-start+1)
			r.Body.Read(buf)
			copy(o.data[start:end+1], buf)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPatch:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			o.lastPatch = body
			w.WriteHeader(http.StatusOK)
		}
	}
}

func TestHTTPBackendReadWrite(t *testing.T) {
	origin := &fakeOrigin{data: make([]byte, 4096)}
	for i := range origin.data {
		origin.data[i] = byte(i % 256)
	}
	srv := httptest.NewServer(origin.handler())
	defer srv.Close()

	h, err := DialHTTP(srv.Client(), srv.URL, true)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), h.Size())

	buf := make([]byte, 256)
	require.NoError(t, h.ReadAt(context.Background(), buf, 512))
	assert.Equal(t, origin.data[512:768], buf)

	payload := make([]byte, 128)
	for i := range payload {
		payload[i] = 0xAB
	}
	require.NoError(t, h.WriteAt(context.Background(), payload, 1024, true))

	out := make([]byte, 128)
	require.NoError(t, h.ReadAt(context.Background(), out, 1024))
	assert.Equal(t, payload, out)
}

func TestHTTPBackendReadOnlyRejectsWrite(t *testing.T) {
	origin := &fakeOrigin{data: make([]byte, 1024)}
	srv := httptest.NewServer(origin.handler())
	defer srv.Close()

	h, err := DialHTTP(srv.Client(), srv.URL, false)
	require.NoError(t, err)

	err = h.WriteAt(context.Background(), []byte{1, 2, 3}, 0, false)
	assert.Error(t, err)
}

func TestHTTPBackendExtentsProxiesToOrigin(t *testing.T) {
	origin := &fakeOrigin{
		data:    make([]byte, 1024),
		extents: []Extent{{Start: 0, Length: 512, Zero: true}, {Start: 512, Length: 512}},
	}
	srv := httptest.NewServer(origin.handler())
	defer srv.Close()

	h, err := DialHTTP(srv.Client(), srv.URL, false)
	require.NoError(t, err)

	extents, err := h.Extents(context.Background(), ContextZero)
	require.NoError(t, err)
	assert.Equal(t, origin.extents, extents)
}

func TestHTTPBackendExtentsDirtyWithoutBitmapReturnsNotSupported(t *testing.T) {
	origin := &fakeOrigin{data: make([]byte, 1024), noDirtyCtx: true}
	srv := httptest.NewServer(origin.handler())
	defer srv.Close()

	h, err := DialHTTP(srv.Client(), srv.URL, false)
	require.NoError(t, err)

	_, err = h.Extents(context.Background(), ContextDirty)
	assert.Error(t, err)
}

func TestHTTPBackendZeroForwardsPatchToOrigin(t *testing.T) {
	origin := &fakeOrigin{data: make([]byte, 1024)}
	srv := httptest.NewServer(origin.handler())
	defer srv.Close()

	h, err := DialHTTP(srv.Client(), srv.URL, true)
	require.NoError(t, err)

	require.NoError(t, h.Zero(context.Background(), 10, 20, true, false))
	assert.Equal(t, "zero", origin.lastPatch["op"])
	assert.Equal(t, float64(10), origin.lastPatch["offset"])
	assert.Equal(t, float64(20), origin.lastPatch["size"])
	assert.Equal(t, true, origin.lastPatch["flush"])
}

func TestHTTPBackendZeroReadOnlyRejected(t *testing.T) {
	origin := &fakeOrigin{data: make([]byte, 1024)}
	srv := httptest.NewServer(origin.handler())
	defer srv.Close()

	h, err := DialHTTP(srv.Client(), srv.URL, false)
	require.NoError(t, err)

	err = h.Zero(context.Background(), 0, 10, false, false)
	assert.Error(t, err)
}
