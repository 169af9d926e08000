package client

import (
	"github.com/ovirt/imageio/internal/backend"
)

// workKind distinguishes a data copy from a zero-fill in a transfer plan.
type workKind int

const (
	workData workKind = iota
	workZero
)

// workItem is one unit of a transfer: either copy [Start, Start+Length)
// or zero it, per the extent classification in §4.6.
type workItem struct {
	Start  int64
	Length int64
	Kind   workKind
}

// chunkSize bounds a single data work item so no one PUT/GET holds a
// pool buffer open for an unreasonably large range.
const chunkSize = 4 << 20 // 4 MiB

// planFromExtents turns a backend's merged extents into a sequence of
// bounded work items: zero/hole extents become one workZero item each
// (the server applies PATCH/zero over the whole run in one call), data
// extents are split into chunkSize-sized workData items so they can be
// distributed across workers (§4.6 steps 4-5).
func planFromExtents(extents []backend.Extent) []workItem {
	var items []workItem
	for _, e := range extents {
		if e.Length == 0 {
			continue
		}
		if e.Zero {
			items = append(items, workItem{Start: e.Start, Length: e.Length, Kind: workZero})
			continue
		}
		off := e.Start
		remaining := e.Length
		for remaining > 0 {
			n := int64(chunkSize)
			if remaining < n {
				n = remaining
			}
			items = append(items, workItem{Start: off, Length: n, Kind: workData})
			off += n
			remaining -= n
		}
	}
	return items
}
