// Package router routes messages, typing signals and read receipts between
// live connections and the message store.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/eldtechnologies/chatline/internal/metrics"
	"github.com/eldtechnologies/chatline/internal/models"
	"github.com/eldtechnologies/chatline/internal/presence"
	"github.com/eldtechnologies/chatline/internal/store"
)

// DefaultMaxContentBytes bounds message content.
const DefaultMaxContentBytes = 4096

// Conn is a connection the router acts on behalf of.
//
// A connection is Unidentified until Identify binds it, Identified while
// bound, and Closed once its transport is gone. Closed is terminal: events
// arriving afterwards are dropped with a nil error.
type Conn interface {
	presence.Conn
	Closed() bool
}

// Options tunes a Router.
type Options struct {
	MaxContentBytes int
}

// Router is safe for concurrent use by every connection's goroutine. It
// holds no lock across store calls; the presence registry guards its own
// table.
type Router struct {
	store      store.MessageStore
	presence   *presence.Registry
	log        zerolog.Logger
	maxContent int
}

// New creates a Router.
func New(ms store.MessageStore, reg *presence.Registry, logger zerolog.Logger, opts Options) *Router {
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = DefaultMaxContentBytes
	}
	return &Router{
		store:      ms,
		presence:   reg,
		log:        logger.With().Str("component", "router").Logger(),
		maxContent: opts.MaxContentBytes,
	}
}

// Identify binds c to identity. A connection identifies at most once;
// later attempts fail with ErrAlreadyIdentified.
func (r *Router) Identify(ctx context.Context, c Conn, identity string) (string, error) {
	if c.Closed() {
		r.dropLate(c, "identify")
		return "", nil
	}
	if _, ok := r.presence.IdentityOf(c); ok {
		return "", ErrAlreadyIdentified
	}

	identity, err := NormalizeIdentity(identity)
	if err != nil {
		return "", err
	}

	if err := r.presence.Bind(identity, c); err != nil {
		if errors.Is(err, presence.ErrAlreadyBound) {
			return "", ErrAlreadyIdentified
		}
		return "", err
	}

	r.log.Info().Str("conn_id", c.ID()).Str("identity", identity).Msg("identified")
	return identity, nil
}

// Send persists a message from -> to and pushes it to every live
// connection of both parties, each exactly once. An offline recipient is
// not an error; the message waits in history.
func (r *Router) Send(ctx context.Context, c Conn, from, to, content string) (*models.Message, error) {
	if c.Closed() {
		r.dropLate(c, "send")
		return nil, nil
	}

	from, err := r.authorize(c, from)
	if err != nil {
		return nil, err
	}
	to, err = NormalizeIdentity(to)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is empty", ErrInvalidArgument)
	}
	if len(content) > r.maxContent {
		return nil, fmt.Errorf("%w: content too long (max %d bytes)", ErrInvalidArgument, r.maxContent)
	}

	// The write completes even if the sender disconnects meanwhile.
	msg, err := r.store.Append(context.WithoutCancel(ctx), from, to, content)
	if err != nil {
		r.log.Error().Err(err).Str("from", from).Str("to", to).Msg("append failed")
		return nil, err
	}
	metrics.MessagesSent.Inc()

	recipients := append(r.presence.ConnectionsFor(to), r.presence.ConnectionsFor(from)...)
	recipients = lo.UniqBy(recipients, func(pc presence.Conn) string { return pc.ID() })
	r.deliver(recipients, models.NewMessageEvent(*msg))

	return msg, nil
}

// Typing forwards a typing indicator to the recipient's live connections.
// Nothing is stored; an offline recipient never sees it.
func (r *Router) Typing(ctx context.Context, c Conn, from, to string, active bool) error {
	if c.Closed() {
		r.dropLate(c, "typing")
		return nil
	}

	from, err := r.authorize(c, from)
	if err != nil {
		return err
	}
	to, err = NormalizeIdentity(to)
	if err != nil {
		return err
	}

	conns := r.presence.ConnectionsFor(to)
	if len(conns) == 0 {
		metrics.TypingSignals.WithLabelValues("dropped").Inc()
		r.log.Debug().Str("from", from).Str("to", to).Msg("typing dropped, recipient offline")
		return nil
	}

	metrics.TypingSignals.WithLabelValues("forwarded").Inc()
	r.deliver(conns, models.NewTypingEvent(from, active))
	return nil
}

// ReadAck records that to has read everything from sent it. The caller
// must be identified as to. When anything changed, from's live
// connections get a readStateChanged event.
func (r *Router) ReadAck(ctx context.Context, c Conn, from, to string) (int64, error) {
	if c.Closed() {
		r.dropLate(c, "read_ack")
		return 0, nil
	}

	to, err := r.authorize(c, to)
	if err != nil {
		return 0, err
	}
	from, err = NormalizeIdentity(from)
	if err != nil {
		return 0, err
	}

	n, err := r.store.MarkRead(context.WithoutCancel(ctx), from, to)
	if err != nil {
		r.log.Error().Err(err).Str("from", from).Str("to", to).Msg("mark read failed")
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	metrics.MessagesRead.Add(float64(n))
	r.deliver(r.presence.ConnectionsFor(from), models.NewReadStateEvent(to))
	return n, nil
}

// Disconnect unbinds c. Repeated calls for the same connection are no-ops.
func (r *Router) Disconnect(c Conn) {
	identity, ok := r.presence.Unbind(c)
	if !ok {
		return
	}
	r.log.Info().Str("conn_id", c.ID()).Str("identity", identity).Msg("disconnected")
}

// History returns the conversation between a and b.
func (r *Router) History(ctx context.Context, a, b string) ([]models.Message, error) {
	a, err := NormalizeIdentity(a)
	if err != nil {
		return nil, err
	}
	b, err = NormalizeIdentity(b)
	if err != nil {
		return nil, err
	}
	return r.store.History(ctx, a, b)
}

// Roster returns every identity seen by this process with its presence.
func (r *Router) Roster() []models.RosterEntry {
	return r.presence.Roster()
}

// IdentityOf returns the identity c is bound to.
func (r *Router) IdentityOf(c Conn) (string, bool) {
	return r.presence.IdentityOf(c)
}

// authorize checks that claimed names c's bound identity. An empty claim
// means the bound identity.
func (r *Router) authorize(c Conn, claimed string) (string, error) {
	identity, ok := r.presence.IdentityOf(c)
	if !ok {
		return "", ErrNotIdentified
	}
	claimed = strings.TrimSpace(claimed)
	if claimed != "" && claimed != identity {
		return "", fmt.Errorf("%w: connection is identified as %q", ErrUnauthorized, identity)
	}
	return identity, nil
}

func (r *Router) deliver(conns []presence.Conn, evt models.Event) {
	for _, pc := range conns {
		if pc.Deliver(evt) {
			metrics.Deliveries.WithLabelValues(string(evt.Type)).Inc()
			continue
		}
		metrics.DeliveriesDropped.Inc()
		r.log.Warn().Str("conn_id", pc.ID()).Str("event", string(evt.Type)).Msg("delivery refused")
	}
}

func (r *Router) dropLate(c Conn, op string) {
	r.log.Debug().Str("conn_id", c.ID()).Str("op", op).Msg("event after close dropped")
}
