package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/eldtechnologies/chatline/internal/models"
)

// ErrStorageUnavailable wraps every backend failure. It fails the calling
// operation only; callers may retry.
var ErrStorageUnavailable = errors.New("storage unavailable")

// MessageStore is the durable append-only log of direct messages.
// SQLiteStore, PostgresStore, RedisStore, BadgerStore and MemoryStore
// implement this interface.
type MessageStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Append persists a new unread message from -> to and returns it with
	// ID, CreatedAt and Seq assigned.
	Append(ctx context.Context, from, to, content string) (*models.Message, error)

	// History returns the conversation between a and b in either
	// direction, ordered by (CreatedAt, Seq). Unknown identities yield an
	// empty slice.
	History(ctx context.Context, a, b string) ([]models.Message, error)

	// MarkRead flips every unread message from -> to to read and returns
	// how many were updated.
	MarkRead(ctx context.Context, from, to string) (int64, error)

	// Stats
	CountMessages(ctx context.Context) (int64, error)
	UnreadCount(ctx context.Context, from, to string) (int64, error)
}

// unavailable wraps a driver error as ErrStorageUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// now returns the creation timestamp for a new message. Microsecond
// precision is the finest every backend round-trips unchanged.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// sortConversation orders messages by (CreatedAt, Seq).
func sortConversation(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}

// conversationKey is the same for (a, b) and (b, a). Both parts are
// length-prefixed so no key is a prefix of another.
func conversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directionKey(a, b)
}

// directionKey names the ordered pair from -> to.
func directionKey(from, to string) string {
	return fmt.Sprintf("%d:%s%d:%s", len(from), from, len(to), to)
}
