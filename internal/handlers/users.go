package handlers

import (
	"net/http"

	"github.com/eldtechnologies/chatline/internal/models"
)

// UserListResponse represents the roster response.
type UserListResponse struct {
	Users  []models.RosterEntry `json:"users"`
	Total  int                  `json:"total"`
	Online int                  `json:"online"`
}

// ListUsers handles GET /users: every identity seen by this process.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	roster := h.router.Roster()

	online := 0
	for _, e := range roster {
		if e.Online {
			online++
		}
	}

	h.JSON(w, http.StatusOK, UserListResponse{
		Users:  roster,
		Total:  len(roster),
		Online: online,
	})
}
