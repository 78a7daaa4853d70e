package models

import "time"

// Message represents a direct message between two identities.
// Everything except Read is immutable once persisted.
type Message struct {
	ID        string    `json:"id"`   // ULID
	From      string    `json:"from"` // sender identity
	To        string    `json:"to"`   // recipient identity
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
	Seq       int64     `json:"seq"` // store-wide insertion order, tie-break for CreatedAt
}

// Before reports whether m sorts ahead of other in a conversation.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Seq < other.Seq
}

// RosterEntry is one identity seen by this process and its current presence.
type RosterEntry struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
}
