package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ovirt/imageio/internal/apperrors"
	"github.com/ovirt/imageio/internal/ticket"
)

// handleTickets dispatches the control-plane CRUD of §4.5: PUT/GET/PATCH/
// DELETE on /tickets/{id}, and GET /tickets/ for the list.
func (c *Context) handleTickets(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/tickets/")
	id = strings.TrimSuffix(id, "/")

	if id == "" {
		c.handleTicketsList(w, r)
		return
	}

	switch r.Method {
	case http.MethodPut:
		c.handleTicketPut(w, r, id)
	case http.MethodGet:
		c.handleTicketGet(w, r, id)
	case http.MethodPatch:
		c.handleTicketPatch(w, r, id)
	case http.MethodDelete:
		c.handleTicketDelete(w, r, id)
	default:
		w.Header().Set("Allow", "GET, PUT, PATCH, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *Context) handleTicketsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ids := c.Tickets.List()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ids)
}

// handleTicketPut installs a ticket, per §4.5's PUT /tickets/{id}. The
// body's uuid must match the path id (the same cross-check the teacher's
// vault API uses for the id-carried-twice REST shape).
func (c *Context) handleTicketPut(w http.ResponseWriter, r *http.Request, id string) {
	var spec ticket.Spec
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindBadRequest, "invalid ticket body", err), 0)
		return
	}
	if spec.UUID == "" {
		spec.UUID = id
	}
	if spec.UUID != id {
		writeError(w, apperrors.New(apperrors.KindBadRequest, "uuid does not match path"), 0)
		return
	}

	if err := c.Tickets.Add(spec); err != nil {
		writeError(w, err, 0)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (c *Context) handleTicketGet(w http.ResponseWriter, r *http.Request, id string) {
	status, err := c.Tickets.Get(id)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

type ticketPatchBody struct {
	Timeout *int `json:"timeout,omitempty"`
}

// handleTicketPatch extends a ticket's expiry, per §4.5's PATCH
// /tickets/{id} with {"timeout": N}.
func (c *Context) handleTicketPatch(w http.ResponseWriter, r *http.Request, id string) {
	var body ticketPatchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.Wrap(apperrors.KindBadRequest, "invalid patch body", err), 0)
		return
	}
	if body.Timeout == nil {
		writeError(w, apperrors.New(apperrors.KindBadRequest, "timeout is required"), 0)
		return
	}
	if err := c.Tickets.Extend(id, *body.Timeout); err != nil {
		writeError(w, err, 0)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleTicketDelete cancels a ticket, honoring an optional ?timeout=N
// query parameter for the deferred force-removal semantics of §4.2.
func (c *Context) handleTicketDelete(w http.ResponseWriter, r *http.Request, id string) {
	timeout := 0
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, apperrors.New(apperrors.KindBadRequest, "invalid timeout"), 0)
			return
		}
		timeout = v
	}
	if err := c.Tickets.Cancel(id, timeout); err != nil {
		writeError(w, err, 0)
		return
	}
	c.Backends.Close(id)
	w.WriteHeader(http.StatusNoContent)
}
