package handlers

import (
	"net/http"

	"github.com/samber/lo"

	"github.com/eldtechnologies/chatline/internal/models"
	"github.com/eldtechnologies/chatline/internal/router"
)

// WhoResponse represents the presence of one identity.
type WhoResponse struct {
	Identity    string `json:"identity"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
}

// Who handles GET /who/{identity}.
func (h *Handler) Who(w http.ResponseWriter, r *http.Request) {
	identity, err := pathParam(r, "identity")
	if err != nil {
		h.fail(w, err)
		return
	}
	identity, err = router.NormalizeIdentity(identity)
	if err != nil {
		h.fail(w, err)
		return
	}

	if _, known := lo.Find(h.router.Roster(), func(e models.RosterEntry) bool {
		return e.Identity == identity
	}); !known {
		h.Error(w, http.StatusNotFound, "identity not seen")
		return
	}

	h.JSON(w, http.StatusOK, WhoResponse{
		Identity:    identity,
		Online:      h.presence.Online(identity),
		Connections: len(h.presence.ConnectionsFor(identity)),
	})
}
