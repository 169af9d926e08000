package ticket

import (
	"sync"
	"time"

	"github.com/ovirt/imageio/internal/apperrors"
	"github.com/ovirt/imageio/internal/logging"
)

// Store is the thread-safe, process-scoped ticket table (§4.1). It never
// persists to disk: a crash or restart forgets every ticket.
//
// The store's own mutex guards only the map and each ticket's bookkeeping
// fields; it is never held across backend I/O (§5 "Shared resources").
type Store struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
}

// NewStore creates an empty ticket table.
func NewStore() *Store {
	return &Store{tickets: make(map[string]*Ticket)}
}

// Add installs or replaces a ticket. Replacing an existing id resets its
// connection count and expiry; the spec documents this as the chosen
// behavior over returning Conflict (see DESIGN.md open question #1).
func (s *Store) Add(spec Spec) error {
	if spec.UUID == "" {
		return apperrors.New(apperrors.KindBadRequest, "ticket id is required")
	}
	if spec.Size <= 0 {
		return apperrors.New(apperrors.KindBadRequest, "ticket size must be positive")
	}
	if spec.Timeout < 0 {
		return apperrors.New(apperrors.KindBadRequest, "ticket timeout must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[spec.UUID] = newTicket(spec)
	logging.Info("ticket installed", logging.String("id", spec.UUID), logging.Int64("size", spec.Size))
	return nil
}

// Get returns a diagnostic snapshot of a ticket.
func (s *Store) Get(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return Status{}, apperrors.ErrNotFound
	}
	return t.status(time.Now()), nil
}

// List returns the ids of every installed ticket, in no particular order.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tickets))
	for id := range s.tickets {
		ids = append(ids, id)
	}
	return ids
}

// Extend sets expires := max(expires, now+timeout); timeout == 0 forces
// immediate expiration, per §4.1. Extending an expired-but-not-canceled
// ticket revives it.
func (s *Store) Extend(id string, timeoutSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if timeoutSeconds == 0 {
		t.expires = time.Now()
		return nil
	}
	candidate := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	if candidate.After(t.expires) {
		t.expires = candidate
	}
	return nil
}

// Cancel moves a ticket into stateCanceling and arranges for its removal.
//
//   - timeout == 0: Cancel blocks until connections reach zero, then
//     removes the ticket synchronously (this is what Remove calls).
//   - timeout > 0: Cancel returns immediately; a goroutine removes the
//     ticket entry after the deadline even if connections are still open.
//     That removal closes no sockets: live transfers stop when their
//     handler next checks the cancel signal, which Cancel closes at once.
//
// Cancel is idempotent: canceling an already-canceling ticket with a
// larger timeout does not relax an earlier, shorter force-deadline.
func (s *Store) Cancel(id string, timeoutSeconds int) error {
	s.mu.Lock()
	t, ok := s.tickets[id]
	if !ok {
		s.mu.Unlock()
		return apperrors.ErrNotFound
	}

	alreadyCanceling := t.state == stateCanceling
	if !alreadyCanceling {
		t.state = stateCanceling
		t.canceled = true
		close(t.cancelCh)
	}

	if timeoutSeconds > 0 {
		deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
		if t.forceDeadline.IsZero() || deadline.Before(t.forceDeadline) {
			t.forceDeadline = deadline
			go s.forceRemoveAfter(id, deadline)
		}
		s.mu.Unlock()
		return nil
	}

	// timeout == 0: wait for quiescence synchronously.
	for {
		if t.connections == 0 {
			delete(s.tickets, id)
			s.mu.Unlock()
			logging.Info("ticket removed", logging.String("id", id))
			return nil
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		s.mu.Lock()
		t, ok = s.tickets[id]
		if !ok {
			// removed concurrently (e.g. a force-deadline from an earlier
			// Cancel(id, timeout>0) fired first)
			s.mu.Unlock()
			return nil
		}
	}
}

func (s *Store) forceRemoveAfter(id string, deadline time.Time) {
	time.Sleep(time.Until(deadline))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[id]; ok {
		delete(s.tickets, id)
		logging.Info("ticket force-removed after cancel deadline", logging.String("id", id))
	}
}

// Remove is a synchronous alias for Cancel(id, 0).
func (s *Store) Remove(id string) error {
	return s.Cancel(id, 0)
}

// Lease pins a ticket against removal for the lifetime of one in-flight
// operation. It is the "scoped object" of this design: acquired by
// Authorize, released exactly once by Release on every exit path.
type Lease struct {
	store     *Store
	id        string
	op        Op
	start     int64
	end       int64
	startedAt time.Time
}

// Range returns the half-open byte range this lease authorizes.
func (l *Lease) Range() (start, end int64) { return l.start, l.end }

// Op returns the verb this lease authorizes.
func (l *Lease) Op() Op { return l.op }

// StartedAt returns when the operation began.
func (l *Lease) StartedAt() time.Time { return l.startedAt }

// CancelSignal exposes the underlying ticket's cancellation channel so a
// streaming handler can select on it between chunks.
func (l *Lease) CancelSignal() <-chan struct{} {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	t := l.store.tickets[l.id]
	if t == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.CancelSignal()
}

// Authorize performs the atomic check-and-register of §4.1: on success it
// pins the ticket, bumps its connection count, and returns a Lease the
// caller must Release exactly once.
func (s *Store) Authorize(id string, op Op, start, end int64) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindForbidden, "no such ticket")
	}
	if t.canceled {
		return nil, apperrors.New(apperrors.KindForbidden, "ticket canceled")
	}

	now := time.Now()
	// Per the testable invariant in §8 ("authorize never succeeds when
	// canceled, or now > expires and connections == 0"): a ticket with at
	// least one live connection stays authorizable past its raw expiry,
	// which is what lets the inactivity-timeout policy keep a busy
	// ticket alive without a racing extend() call. isExpired folds in
	// inactivity_timeout alongside the absolute expiry under the same
	// connections == 0 guard.
	if t.isExpired(now) {
		return nil, apperrors.New(apperrors.KindForbidden, "ticket expired")
	}

	if !t.allows(op) {
		return nil, apperrors.New(apperrors.KindForbidden, "operation not permitted by ticket")
	}
	if start < 0 || end > t.spec.Size || start > end {
		return nil, apperrors.New(apperrors.KindRangeNotSatisfiable, "range outside image")
	}

	t.connections++
	t.active++
	return &Lease{store: s, id: id, op: op, start: start, end: end, startedAt: now}, nil
}

// Release decrements the ticket's in-flight counters, updates transferred
// byte accounting, and stamps last-activity for inactivity-timeout
// purposes. It is a no-op if the ticket has already been removed.
func (s *Store) Release(l *Lease, bytesDone int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[l.id]
	if !ok {
		return
	}
	t.connections--
	t.active--
	t.lastActivity = time.Now()
	if bytesDone > 0 {
		t.recordCoverage(l.op, l.start, l.start+bytesDone)
	}
}

// AllowsOp reports whether a ticket permits a verb, for handlers (such as
// OPTIONS) that need to answer without registering an operation.
func (s *Store) AllowsOp(id string, op Op) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return false, apperrors.ErrNotFound
	}
	return t.allows(op), nil
}

// Size returns a ticket's declared image size, for handlers computing
// Range defaults without taking a lease.
func (s *Store) Size(id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return 0, apperrors.ErrNotFound
	}
	return t.spec.Size, nil
}

// Flags returns the sparse/dirty attributes of a ticket, used by the PATCH
// zero handler and the extents handler respectively.
func (s *Store) Flags(id string) (sparse, dirty bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return false, false, apperrors.ErrNotFound
	}
	return t.spec.Sparse, t.spec.Dirty, nil
}

// URL returns the ticket's backend locator.
func (s *Store) URL(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return "", apperrors.ErrNotFound
	}
	return t.spec.URL, nil
}
