package httpapi

import (
	"net/http"

	"github.com/ovirt/imageio/internal/apperrors"
)

// writeError answers an error the way §4.4.7 and §4.5's error surface
// require: correct status code, and for RangeNotSatisfiable an
// authoritative Content-Range header carrying size.
func writeError(w http.ResponseWriter, err error, size int64) {
	status := apperrors.StatusOf(err)
	if status == http.StatusRequestedRangeNotSatisfiable {
		w.Header().Set("Content-Range", unsatisfiableContentRange(size))
	}
	http.Error(w, apperrors.SanitizeError(err), status)
}
