// Package httpapi implements the HTTP/1.1 data and control planes (§4.4,
// §4.5): the image handler (GET/PUT/PATCH/OPTIONS/extents) and the
// tickets control handler, wired to a ticket store and a backend
// registry the way the teacher wires its storage server to an
// http.ServeMux.
package httpapi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ovirt/imageio/internal/apperrors"
)

// byteRange is a closed, inclusive [Start, End] interval as carried on
// the wire by Range/Content-Range, distinct from backend.Extent's
// half-open [Start, Start+Length) convention.
type byteRange struct {
	Start, End int64 // inclusive
}

// parseRangeHeader parses a single "bytes=START-END" Range header value.
// Multi-range ("bytes=0-10,20-30") is rejected, per §4.4.2.
func parseRangeHeader(header string, size int64) (*byteRange, error) {
	if header == "" {
		return nil, nil
	}
	if !strings.HasPrefix(header, "bytes=") {
		return nil, apperrors.New(apperrors.KindRangeNotSatisfiable, "unsupported Range unit")
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		return nil, apperrors.New(apperrors.KindRangeNotSatisfiable, "multi-range requests are not supported")
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, apperrors.New(apperrors.KindRangeNotSatisfiable, "malformed Range header")
	}

	var start, end int64
	var err error
	switch {
	case startStr == "" && endStr != "":
		// suffix range: last N bytes
		n, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil {
			return nil, apperrors.New(apperrors.KindRangeNotSatisfiable, "malformed Range header")
		}
		if n > size {
			n = size
		}
		start = size - n
		end = size - 1
	case endStr == "":
		start, err = strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return nil, apperrors.New(apperrors.KindRangeNotSatisfiable, "malformed Range header")
		}
		end = size - 1
	default:
		start, err = strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return nil, apperrors.New(apperrors.KindRangeNotSatisfiable, "malformed Range header")
		}
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return nil, apperrors.New(apperrors.KindRangeNotSatisfiable, "malformed Range header")
		}
	}

	if start < 0 || end < start || end >= size {
		return nil, apperrors.New(apperrors.KindRangeNotSatisfiable, "range outside image bounds")
	}
	return &byteRange{Start: start, End: end}, nil
}

// parseContentRange parses "bytes START-END/*" or "bytes START-/*",
// returning only Start (§6: "the server uses only START").
func parseContentRange(header string) (int64, error) {
	if header == "" {
		return 0, nil
	}
	if !strings.HasPrefix(header, "bytes ") {
		return 0, apperrors.New(apperrors.KindBadRequest, "malformed Content-Range header")
	}
	spec := strings.TrimPrefix(header, "bytes ")
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return 0, apperrors.New(apperrors.KindBadRequest, "malformed Content-Range header")
	}
	start, err := strconv.ParseInt(spec[:dash], 10, 64)
	if err != nil {
		return 0, apperrors.New(apperrors.KindBadRequest, "malformed Content-Range header")
	}
	return start, nil
}

// contentRangeHeader formats the response Content-Range for a successful
// range GET: "bytes START-END/*" — the image's total size isn't
// authoritative across backends that proxy, so the server reports "*".
func contentRangeHeader(r byteRange) string {
	return fmt.Sprintf("bytes %d-%d/*", r.Start, r.End)
}

// unsatisfiableContentRange formats the 416 response's Content-Range,
// which must carry the authoritative size (§4.4.7).
func unsatisfiableContentRange(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}
