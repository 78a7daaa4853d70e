package handlers

import (
	"net/http"
	"strings"

	"github.com/eldtechnologies/chatline/internal/models"
)

// HistoryResponse represents the conversation history response.
type HistoryResponse struct {
	Messages []models.Message `json:"messages"`
	Unread   int64            `json:"unread"` // user2 -> user1 messages user1 has not read
}

// History handles GET /messages/{user1}/{user2}.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	user1, err := pathParam(r, "user1")
	if err != nil {
		h.fail(w, err)
		return
	}
	user2, err := pathParam(r, "user2")
	if err != nil {
		h.fail(w, err)
		return
	}
	user1, user2 = strings.TrimSpace(user1), strings.TrimSpace(user2)

	msgs, err := h.router.History(r.Context(), user1, user2)
	if err != nil {
		h.fail(w, err)
		return
	}

	unread, err := h.store.UnreadCount(r.Context(), user2, user1)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.JSON(w, http.StatusOK, HistoryResponse{Messages: msgs, Unread: unread})
}
