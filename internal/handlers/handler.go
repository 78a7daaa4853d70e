package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/chatline/internal/presence"
	"github.com/eldtechnologies/chatline/internal/router"
	"github.com/eldtechnologies/chatline/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	router   *router.Router
	store    store.MessageStore
	presence *presence.Registry
}

// NewHandler creates a new Handler.
func NewHandler(rt *router.Router, ms store.MessageStore, reg *presence.Registry) *Handler {
	return &Handler{router: rt, store: ms, presence: reg}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// fail maps an operation error onto a response.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, router.ErrInvalidArgument):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrStorageUnavailable):
		h.Error(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// pathParam returns the decoded URL parameter key. chi matches against
// RawPath whenever the request escapes something Path cannot carry, such
// as %2F inside an identity, and then hands back the escaped segment.
func pathParam(r *http.Request, key string) (string, error) {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v, nil
	}
	decoded, err := url.PathUnescape(v)
	if err != nil {
		return "", fmt.Errorf("%w: malformed %s", router.ErrInvalidArgument, key)
	}
	return decoded, nil
}
