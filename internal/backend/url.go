package backend

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ovirt/imageio/internal/apperrors"
)

// Target is the parsed, backend-agnostic form of a ticket's url field
// (§6). Path is populated for TargetFile and TargetHTTP, NBD for
// TargetNBD.
type Target struct {
	Kind TargetKind
	Path string // file:// path, or the full URL for TargetHTTP

	NBD NBDConfig
}

type TargetKind string

const (
	TargetFile TargetKind = "file"
	TargetNBD  TargetKind = "nbd"
	TargetHTTP TargetKind = "http"
)

// ParseURL accepts the schemes a ticket's url field may carry:
//
//	file:///abs/path/to/image
//	nbd:unix:/path/to/socket[:exportname=NAME]
//	nbd://host:port[/exportname]
//	https://host[:port]/path
func ParseURL(raw string) (*Target, error) {
	if strings.HasPrefix(raw, "nbd:unix:") {
		return parseNBDUnix(raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindBadRequest, "invalid ticket url", err)
	}

	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return nil, apperrors.New(apperrors.KindBadRequest, "file url missing path")
		}
		return &Target{Kind: TargetFile, Path: u.Path}, nil

	case "nbd":
		return parseNBDTCP(u)

	case "http", "https":
		return &Target{Kind: TargetHTTP, Path: raw}, nil

	default:
		return nil, apperrors.New(apperrors.KindBadRequest, fmt.Sprintf("unsupported ticket url scheme %q", u.Scheme))
	}
}

// parseNBDUnix handles "nbd:unix:/path/to/socket" with optional
// ":exportname=NAME" and ":bitmap=NAME" suffixes, the form qemu-nbd
// itself accepts on its own command line.
func parseNBDUnix(raw string) (*Target, error) {
	rest := strings.TrimPrefix(raw, "nbd:unix:")
	parts := strings.Split(rest, ":")
	if len(parts) == 0 || parts[0] == "" {
		return nil, apperrors.New(apperrors.KindBadRequest, "nbd:unix: url missing socket path")
	}

	cfg := NBDConfig{Network: "unix", Address: parts[0]}
	for _, kv := range parts[1:] {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch name {
		case "exportname":
			cfg.ExportName = value
		case "bitmap":
			cfg.DirtyBitmap = value
		}
	}
	return &Target{Kind: TargetNBD, NBD: cfg}, nil
}

// parseNBDTCP handles "nbd://host:port[/export]" with an optional
// "bitmap" query parameter.
func parseNBDTCP(u *url.URL) (*Target, error) {
	if u.Host == "" {
		return nil, apperrors.New(apperrors.KindBadRequest, "nbd url missing host")
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "10809" // conventional NBD port
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, apperrors.New(apperrors.KindBadRequest, "nbd url has invalid port")
	}

	cfg := NBDConfig{
		Network:    "tcp",
		Address:    host + ":" + port,
		ExportName: strings.TrimPrefix(u.Path, "/"),
	}
	if bitmap := u.Query().Get("bitmap"); bitmap != "" {
		cfg.DirtyBitmap = bitmap
	}
	return &Target{Kind: TargetNBD, NBD: cfg}, nil
}
