package httpapi

import (
	"encoding/json"
	"io"

	"github.com/ovirt/imageio/internal/apperrors"
)

// patchBody is the wire schema for PATCH /images/{id} (§4.4.4).
type patchBody struct {
	Op     string `json:"op"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	Flush  bool   `json:"flush"`
}

const (
	patchOpZero  = "zero"
	patchOpFlush = "flush"
)

func decodePatchBody(r io.Reader) (*patchBody, error) {
	var b patchBody
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, apperrors.Wrap(apperrors.KindBadRequest, "invalid PATCH body", err)
	}
	switch b.Op {
	case patchOpZero:
		if b.Size <= 0 {
			return nil, apperrors.New(apperrors.KindBadRequest, "zero op requires a positive size")
		}
	case patchOpFlush:
		// no further fields required
	default:
		return nil, apperrors.New(apperrors.KindBadRequest, "unknown PATCH op")
	}
	return &b, nil
}
