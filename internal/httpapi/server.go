package httpapi

import (
	"net/http"

	"github.com/ovirt/imageio/internal/backend"
	"github.com/ovirt/imageio/internal/ticket"
)

// Context is the process-scoped state every handler closes over: the
// ticket table and the lazily-opened backend per ticket. §5 calls this
// out explicitly ("treat the ticket store and backend registry as a
// single process-scoped context struct ... pass it explicitly to
// handlers rather than relying on ambient state"), mirroring how the
// teacher's storage.Server bundles its own state behind one receiver.
type Context struct {
	Tickets  *ticket.Store
	Backends *BackendRegistry
	Pool     *backend.Pool

	// UnixSocketAddr is the local data listener's socket path, reported in
	// OPTIONS's unix_socket field on every listener that shares this
	// context; "" omits the field.
	UnixSocketAddr string
}

// NewContext builds a fresh ticket table and backend registry, the pair
// a server process owns for its whole lifetime.
func NewContext() *Context {
	return &Context{
		Tickets:  ticket.NewStore(),
		Backends: NewBackendRegistry(),
		Pool:     backend.NewPool(backend.DefaultBlockSize, 0),
	}
}

// Close releases every backend this context ever opened.
func (c *Context) Close() {
	c.Backends.CloseAll()
}

// NewDataMux builds the handler for the remote TLS and local unix-socket
// data listeners: the image handler only (§4.4), with the "*"
// capability-probe ticket id rejected (§9's resolution of the wildcard
// open question: control-only, to avoid disclosing server capabilities
// to an unauthenticated data-plane caller).
func NewDataMux(ctx *Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/images/", func(w http.ResponseWriter, r *http.Request) {
		ctx.handleImages(w, r, false)
	})
	return chain(mux, withRequestID, withRecover, withLogging)
}

// NewControlMux builds the handler for the control listener: both the
// tickets control plane (§4.5) and a copy of the image handler, since
// the control listener may also serve local clients in single-host
// deployments (the teacher's own airgapper API server similarly serves
// more than one concern off one mux). Only here is the "*"
// capability-probe ticket id honored.
func NewControlMux(ctx *Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tickets/", ctx.handleTickets)
	mux.HandleFunc("/images/", func(w http.ResponseWriter, r *http.Request) {
		ctx.handleImages(w, r, true)
	})
	return chain(mux, withRequestID, withRecover, withLogging)
}
