// Package ids generates identifiers for messages and connections.
package ids

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewMessageID returns a lexically sortable, process-monotonic ULID.
func NewMessageID() string {
	return ulid.Make().String()
}

// NewConnID generates a time-ordered UUID v7 naming one transport connection.
func NewConnID() string {
	return uuid.Must(uuid.NewV7()).String()
}
