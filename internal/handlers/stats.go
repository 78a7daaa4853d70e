package handlers

import (
	"net/http"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	TotalMessages    int64 `json:"total_messages"`
	KnownIdentities  int   `json:"known_identities"`
	OnlineIdentities int   `json:"online_identities"`
}

// Stats returns message and presence counts.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	total, err := h.store.CountMessages(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}

	known, online := h.presence.Counts()
	h.JSON(w, http.StatusOK, StatsResponse{
		TotalMessages:    total,
		KnownIdentities:  known,
		OnlineIdentities: online,
	})
}
