// Package backend implements the polymorphic image-I/O capability object
// described in imageio §4.3: a uniform interface over a raw file, an NBD
// export, or a remote HTTP origin, plus the aligned buffer pool direct I/O
// needs.
package backend

import (
	"context"

	"github.com/ovirt/imageio/internal/apperrors"
)

// ExtentContext selects which classification an Extents call reports.
type ExtentContext string

const (
	// ContextZero reports content/allocation: whether a range reads as
	// zero and whether it is an unallocated hole.
	ContextZero ExtentContext = "zero"
	// ContextDirty reports change status relative to a backing snapshot.
	ContextDirty ExtentContext = "dirty"
)

// Extent is a contiguous, uniformly-classified byte range (§3). Producers
// MUST merge adjacent extents that carry identical flags.
type Extent struct {
	Start  int64 `json:"start"`
	Length int64 `json:"length"`
	Zero   bool  `json:"zero"`
	Hole   bool  `json:"hole,omitempty"`
	Dirty  bool  `json:"dirty,omitempty"`
}

// Backend is the capability-oriented object every image transport
// implements. A concrete backend only needs to support the subset its
// transport allows; unsupported calls return an *apperrors.Error of kind
// KindNotSupported.
type Backend interface {
	// Size returns the virtual image size in bytes.
	Size() int64

	// ReadAt writes exactly len(p) bytes starting at off into p.
	ReadAt(ctx context.Context, p []byte, off int64) error

	// WriteAt reads exactly len(p) bytes from p and writes them at off.
	// If flush is true the write is durable before WriteAt returns.
	WriteAt(ctx context.Context, p []byte, off int64, flush bool) error

	// Zero ensures [off, off+length) reads as zero. If punchHole is true
	// and the backend supports deallocation, the range is punched;
	// otherwise it may be materialized as an allocated zero region.
	Zero(ctx context.Context, off, length int64, flush, punchHole bool) error

	// Flush durably persists all prior writes.
	Flush(ctx context.Context) error

	// Extents returns merged, ascending, gap-free extents covering
	// [0, Size()) for the requested context.
	Extents(ctx context.Context, which ExtentContext) ([]Extent, error)

	// MaxReaders and MaxWriters are advisory concurrency ceilings a
	// client should respect when partitioning a transfer.
	MaxReaders() int
	MaxWriters() int

	// Close releases any resources (file descriptors, NBD connections,
	// HTTP keep-alive pools) held by the backend.
	Close() error
}

// Capabilities summarizes what a backend can do, used to compute the
// OPTIONS `features` set (§4.4.1). A backend that has no meaningful
// notion of a capability (e.g. extents on a plain HTTP proxy talking to
// an origin that itself lacks it) should still answer Extents with
// apperrors.KindNotSupported rather than omitting the method.
type Capabilities struct {
	Extents bool
	Zero    bool
	Flush   bool
}

// errNotSupported is the canonical error a backend returns for a call
// outside its supported subset.
func errNotSupported(op string) error {
	return apperrors.New(apperrors.KindNotSupported, op+" is not supported by this backend")
}

// appendMergedExtent appends e, coalescing with the previous extent if
// it is contiguous and carries identical flags (§3 invariant).
func appendMergedExtent(extents []Extent, e Extent) []Extent {
	if n := len(extents); n > 0 {
		last := &extents[n-1]
		if last.Start+last.Length == e.Start && last.Zero == e.Zero && last.Hole == e.Hole && last.Dirty == e.Dirty {
			last.Length += e.Length
			return extents
		}
	}
	return append(extents, e)
}

// copyChunked is a small helper shared by backends that must turn a
// bounded read/write into repeated bounded I/O (e.g. NBD's 32MiB request
// cap, §4.3). size is the chunk size; do is called once per chunk with
// the chunk's offset within the overall range and its length.
func copyChunked(total int64, size int64, do func(off, length int64) error) error {
	var off int64
	for off < total {
		n := size
		if total-off < n {
			n = total - off
		}
		if err := do(off, n); err != nil {
			return err
		}
		off += n
	}
	return nil
}
