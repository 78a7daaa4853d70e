// Package gateway binds transport connections to identities and exposes
// the client-facing operations of the chat core.
package gateway

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatline/internal/ids"
	"github.com/eldtechnologies/chatline/internal/models"
	"github.com/eldtechnologies/chatline/internal/router"
)

// DefaultOutboundBuffer is the number of events a session queues before
// it is considered too slow and closed.
const DefaultOutboundBuffer = 64

// Session is one client connection. Its only state besides the outbound
// queue is whether it is closed; the identity lives in the presence
// registry.
type Session struct {
	id     string
	router *router.Router
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
	out    chan models.Event
	done   chan struct{}
}

// NewSession creates an unidentified session.
func NewSession(r *router.Router, buffer int, logger zerolog.Logger) *Session {
	if buffer <= 0 {
		buffer = DefaultOutboundBuffer
	}
	id := ids.NewConnID()
	return &Session{
		id:     id,
		router: r,
		log:    logger.With().Str("conn_id", id).Logger(),
		out:    make(chan models.Event, buffer),
		done:   make(chan struct{}),
	}
}

// ID returns the connection handle.
func (s *Session) ID() string {
	return s.id
}

// Deliver queues evt for the client. A full queue closes the session
// rather than silently skipping events.
func (s *Session) Deliver(evt models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.out <- evt:
		return true
	default:
		s.log.Warn().Str("event", string(evt.Type)).Msg("outbound queue full, closing session")
		s.shutdownLocked()
		return false
	}
}

// Events is the stream of pushes and replies for the client. It is closed
// when the session closes.
func (s *Session) Events() <-chan models.Event {
	return s.out
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether the session has closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops delivery and unbinds the session. It is safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	s.shutdownLocked()
	s.mu.Unlock()

	// Outside s.mu: Unbind broadcasts to other sessions and may call
	// back into Deliver on this one.
	s.router.Disconnect(s)
}

func (s *Session) shutdownLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.out)
}

// Identity returns the identity this session is bound to.
func (s *Session) Identity() (string, bool) {
	return s.router.IdentityOf(s)
}

// Identify binds the session to identity.
func (s *Session) Identify(ctx context.Context, identity string) (string, error) {
	return s.router.Identify(ctx, s, identity)
}

// Send sends content from this session's identity to to.
func (s *Session) Send(ctx context.Context, from, to, content string) (*models.Message, error) {
	return s.router.Send(ctx, s, from, to, content)
}

// SetTyping forwards a typing indicator to to.
func (s *Session) SetTyping(ctx context.Context, from, to string, active bool) error {
	return s.router.Typing(ctx, s, from, to, active)
}

// AcknowledgeRead marks everything from sent to this session's identity
// as read.
func (s *Session) AcknowledgeRead(ctx context.Context, from, to string) (int64, error) {
	return s.router.ReadAck(ctx, s, from, to)
}

// FetchHistory returns the conversation between this session's identity
// and peer.
func (s *Session) FetchHistory(ctx context.Context, peer string) ([]models.Message, error) {
	identity, ok := s.Identity()
	if !ok {
		return nil, router.ErrNotIdentified
	}
	return s.router.History(ctx, identity, peer)
}

// FetchRoster returns every identity seen by this process.
func (s *Session) FetchRoster() []models.RosterEntry {
	return s.router.Roster()
}
