// Package ticket implements the in-memory, process-local table of
// ephemeral authorization tickets described in the imageio data plane:
// a ticket binds a backend URL, a size and a set of allowed verbs to an
// id, and is never persisted across a restart.
package ticket

import (
	"time"
)

// Op is one of the verbs a ticket can authorize.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// Spec is the wire/installation shape of a ticket, as accepted by the
// control plane's PUT /tickets/{id} (which decodes the body straight into
// a Spec) and by imageioctl add-ticket. It carries no derived state.
type Spec struct {
	UUID               string   `json:"uuid"`
	URL                string   `json:"url"`
	Size               int64    `json:"size"`
	Ops                []Op     `json:"ops"`
	Timeout            int      `json:"timeout"`
	Sparse             bool     `json:"sparse,omitempty"`
	Dirty              bool     `json:"dirty,omitempty"`
	InactivityTimeout  int      `json:"inactivity_timeout,omitempty"`
	TransferID         string   `json:"transfer_id,omitempty"`
	Filename           string   `json:"filename,omitempty"`
}

// state is the cancellation lifecycle of §4.2.
type state int

const (
	stateActive state = iota
	stateCanceling
	stateRemoved
)

// Ticket is the live, server-side authorization record. All fields are
// guarded by the owning Store's mutex; callers never see the struct
// directly, only Status snapshots and opaque Lease handles.
type Ticket struct {
	id    string
	spec  Spec
	ops   map[Op]bool

	expires time.Time
	state   state

	connections int
	active      int // operations currently in progress

	canceled      bool
	cancelCh      chan struct{} // closed exactly once, on entering stateCanceling
	forceDeadline time.Time     // zero if cancel(0) (wait forever for quiescence)

	lastActivity time.Time

	// transferred tracks bytes uniquely covered by read or write ranges.
	// Only meaningful when the ticket is single-direction (§3 invariants).
	transferred   int64
	coveredRanges []byteRange
	sawRead       bool
	sawWrite      bool
}

type byteRange struct{ start, end int64 } // [start, end)

func newTicket(spec Spec) *Ticket {
	ops := make(map[Op]bool, len(spec.Ops))
	for _, o := range spec.Ops {
		ops[o] = true
	}
	now := time.Now()
	return &Ticket{
		id:           spec.UUID,
		spec:         spec,
		ops:          ops,
		expires:      now.Add(time.Duration(spec.Timeout) * time.Second),
		cancelCh:     make(chan struct{}),
		lastActivity: now,
	}
}

// CancelSignal returns a channel that is closed once the ticket enters
// stateCanceling. Handlers select on it between streaming chunks (§4.4.6).
func (t *Ticket) CancelSignal() <-chan struct{} {
	return t.cancelCh
}

// Status is the diagnostic snapshot returned by GET /tickets/{id}.
type Status struct {
	UUID              string  `json:"uuid"`
	URL               string  `json:"url"`
	Size              int64   `json:"size"`
	Ops               []Op    `json:"ops"`
	Timeout           int     `json:"timeout"`
	Sparse            bool    `json:"sparse,omitempty"`
	Dirty             bool    `json:"dirty,omitempty"`
	InactivityTimeout int     `json:"inactivity_timeout,omitempty"`
	TransferID        string  `json:"transfer_id,omitempty"`
	Filename          string  `json:"filename,omitempty"`
	ExpiresAt         int64   `json:"expires_at"`
	IdleTime          float64 `json:"idle_time"`
	Connections       int     `json:"connections"`
	Active            bool    `json:"active"`
	Canceled          bool    `json:"canceled"`
	Transferred       *int64  `json:"transferred,omitempty"`
}

func (t *Ticket) status(now time.Time) Status {
	ops := make([]Op, 0, len(t.ops))
	for o := range t.ops {
		ops = append(ops, o)
	}
	s := Status{
		UUID:              t.id,
		URL:               t.spec.URL,
		Size:              t.spec.Size,
		Ops:               ops,
		Timeout:           t.spec.Timeout,
		Sparse:            t.spec.Sparse,
		Dirty:             t.spec.Dirty,
		InactivityTimeout: t.spec.InactivityTimeout,
		TransferID:        t.spec.TransferID,
		Filename:          t.spec.Filename,
		ExpiresAt:         t.expires.Unix(),
		IdleTime:          now.Sub(t.lastActivity).Seconds(),
		Connections:       t.connections,
		Active:            t.active > 0,
		Canceled:          t.canceled,
	}
	// transferred is defined only for a ticket that has flowed in exactly
	// one direction; a ticket used for both read and write would require
	// tracking overlapping read/write intervals separately, which §3
	// explicitly avoids.
	if t.sawRead != t.sawWrite {
		v := t.transferred
		s.Transferred = &v
	}
	return s
}

// allows reports whether verb is in this ticket's op set.
func (t *Ticket) allows(op Op) bool {
	return t.ops[op]
}

// isExpired reports whether authorize should now refuse this ticket: past
// its absolute expiry, or idle (no connections, nothing since
// lastActivity) longer than its inactivity_timeout. Both checks apply
// only once connections == 0 (§9 resolution #2: inactivity_timeout
// doesn't count down while a transfer is in flight).
func (t *Ticket) isExpired(now time.Time) bool {
	if t.connections > 0 {
		return false
	}
	if now.After(t.expires) {
		return true
	}
	if t.spec.InactivityTimeout > 0 {
		idle := now.Sub(t.lastActivity)
		if idle > time.Duration(t.spec.InactivityTimeout)*time.Second {
			return true
		}
	}
	return false
}

// recordCoverage folds [start,end) into the uniquely-covered byte count
// for a single-direction ticket. Ranges are kept sorted and merged so
// overlapping retries of the same region aren't double-counted.
func (t *Ticket) recordCoverage(op Op, start, end int64) {
	switch op {
	case OpRead:
		t.sawRead = true
	case OpWrite:
		t.sawWrite = true
	}
	if start >= end {
		return
	}
	merged := make([]byteRange, 0, len(t.coveredRanges)+1)
	nr := byteRange{start, end}
	inserted := false
	for _, r := range t.coveredRanges {
		if nr.start > r.end || nr.end < r.start {
			if !inserted && nr.start < r.start {
				merged = append(merged, nr)
				inserted = true
			}
			merged = append(merged, r)
			continue
		}
		// overlapping or touching: merge into nr
		if r.start < nr.start {
			nr.start = r.start
		}
		if r.end > nr.end {
			nr.end = r.end
		}
	}
	if !inserted {
		merged = append(merged, nr)
	}
	// re-sort by start (cheap: ticket coverage lists stay small in practice)
	for i := 1; i < len(merged); i++ {
		for j := i; j > 0 && merged[j-1].start > merged[j].start; j-- {
			merged[j-1], merged[j] = merged[j], merged[j-1]
		}
	}
	t.coveredRanges = merged

	var total int64
	for _, r := range t.coveredRanges {
		total += r.end - r.start
	}
	t.transferred = total
}
