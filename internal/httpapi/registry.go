package httpapi

import (
	"fmt"
	"sync"

	"github.com/ovirt/imageio/internal/apperrors"
	"github.com/ovirt/imageio/internal/backend"
)

// cachedBackend remembers whether the cached backend.Backend was opened
// read-write, so a later call that needs write access can tell it has to
// reopen rather than hand back a read-only handle.
type cachedBackend struct {
	b        backend.Backend
	writable bool
}

// BackendRegistry lazily opens and caches one backend.Backend per
// ticket, keyed by ticket id, the way the process-scoped context the
// ticket store's own doc comment calls for (§5 "module-level / global
// state"). Backends outlive any single request and are closed when
// their owning ticket is removed.
type BackendRegistry struct {
	mu       sync.Mutex
	backends map[string]cachedBackend
}

func NewBackendRegistry() *BackendRegistry {
	return &BackendRegistry{backends: make(map[string]cachedBackend)}
}

// Open returns the backend for id, opening it from url on first use.
// writable controls whether the backend is opened for read-write
// (file/NBD); it should reflect whether the owning ticket's ops include
// write, since the backend itself enforces no ticket-level policy. A
// cached backend that was opened read-only is transparently reopened
// read-write the first time a caller actually needs write access —
// otherwise whichever request reached a read-write ticket first (say, an
// OPTIONS probe) would permanently pin every later PUT/PATCH on that
// ticket to a read-only handle.
func (reg *BackendRegistry) Open(id, url string, writable bool) (backend.Backend, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if c, ok := reg.backends[id]; ok {
		if c.writable || !writable {
			return c.b, nil
		}
		c.b.Close()
		delete(reg.backends, id)
	}

	target, err := backend.ParseURL(url)
	if err != nil {
		return nil, err
	}

	var b backend.Backend
	switch target.Kind {
	case backend.TargetFile:
		b, err = backend.OpenFile(target.Path, writable)
	case backend.TargetNBD:
		cfg := target.NBD
		cfg.Writable = writable
		b, err = backend.DialNBD(cfg)
	case backend.TargetHTTP:
		b, err = backend.DialHTTP(nil, target.Path, writable)
	default:
		err = apperrors.New(apperrors.KindInternal, fmt.Sprintf("unhandled backend kind %q", target.Kind))
	}
	if err != nil {
		return nil, err
	}

	reg.backends[id] = cachedBackend{b: b, writable: writable}
	return b, nil
}

// Close releases and forgets the backend for id, if one was opened.
func (reg *BackendRegistry) Close(id string) {
	reg.mu.Lock()
	c, ok := reg.backends[id]
	if ok {
		delete(reg.backends, id)
	}
	reg.mu.Unlock()
	if ok {
		c.b.Close()
	}
}

// CloseAll closes every cached backend, used at shutdown.
func (reg *BackendRegistry) CloseAll() {
	reg.mu.Lock()
	backends := reg.backends
	reg.backends = make(map[string]cachedBackend)
	reg.mu.Unlock()
	for _, c := range backends {
		c.b.Close()
	}
}
