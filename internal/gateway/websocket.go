package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/eldtechnologies/chatline/internal/metrics"
	"github.com/eldtechnologies/chatline/internal/models"
	"github.com/eldtechnologies/chatline/internal/router"
)

// Config tunes the websocket transport.
type Config struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	MaxFrameBytes  int64
	OutboundBuffer int
	AllowedOrigins []string // empty or "*" allows any origin
}

// frameOverhead covers a send frame's envelope around its content.
const frameOverhead = 1 << 10

// FrameBytesFor returns a read limit that fits a send frame carrying
// contentBytes of content, even when every byte arrives as a \uXXXX escape.
func FrameBytesFor(contentBytes int) int64 {
	if contentBytes <= 0 {
		contentBytes = router.DefaultMaxContentBytes
	}
	return 6*int64(contentBytes) + frameOverhead
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = FrameBytesFor(router.DefaultMaxContentBytes)
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = DefaultOutboundBuffer
	}
	return c
}

// Transport upgrades HTTP requests to websocket sessions.
type Transport struct {
	router   *router.Router
	cfg      Config
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
}

// NewTransport creates a websocket transport in front of r.
func NewTransport(r *router.Router, cfg Config, logger zerolog.Logger) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		router:   r,
		cfg:      cfg,
		log:      logger.With().Str("component", "gateway").Logger(),
		sessions: make(map[*Session]struct{}),
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     t.checkOrigin,
	}
	return t
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if len(t.cfg.AllowedOrigins) == 0 || lo.Contains(t.cfg.AllowedOrigins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || lo.Contains(t.cfg.AllowedOrigins, origin)
}

// ServeHTTP handles GET /ws for the lifetime of the connection.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		t.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	session := NewSession(t.router, t.cfg.OutboundBuffer, t.log)
	if !t.track(session) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	defer t.untrack(session)
	log := session.log
	log.Debug().Str("remote", r.RemoteAddr).Msg("session opened")

	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		t.writePump(conn, session)
	}()

	t.readPump(ctx, conn, session)
	session.Close()
	<-writerDone
	log.Debug().Msg("session closed")
}

func (t *Transport) track(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return false
	}
	t.sessions[s] = struct{}{}
	return true
}

func (t *Transport) untrack(s *Session) {
	t.mu.Lock()
	delete(t.sessions, s)
	t.mu.Unlock()
}

// Shutdown closes every session and waits for their connections to
// finish, or for ctx to expire. New upgrades are refused afterwards.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closing = true
	open := make([]*Session, 0, len(t.sessions))
	for s := range t.sessions {
		open = append(open, s)
	}
	t.mu.Unlock()

	for _, s := range open {
		s.Close()
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		t.mu.Lock()
		n := len(t.sessions)
		t.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *Transport) readPump(ctx context.Context, conn *websocket.Conn, s *Session) {
	pongWait := t.cfg.PingInterval * 2
	conn.SetReadLimit(t.cfg.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if s.Closed() {
			return
		}
		if msgType != websocket.TextMessage {
			t.reply(s, "", nil, errBadRequest)
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		t.handle(ctx, s, data)
	}
}

// writePump is the only writer on conn.
func (t *Transport) writePump(conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case evt, ok := <-s.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug().Err(err).Msg("write failed")
				s.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

// handle runs one request frame. Commands are acknowledged only when the
// client sent a ref; queries always get a reply. Failures always do.
func (t *Transport) handle(ctx context.Context, s *Session, data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		t.reply(s, "", nil, err)
		return
	}

	switch canonicalType(f.Type) {
	case FrameIdentify:
		p, err := decodeIdentify(f.Payload)
		if err != nil {
			t.reply(s, f.Ref, nil, err)
			return
		}
		identity, err := s.Identify(ctx, p.Identity)
		if err != nil || identity == "" {
			t.reply(s, f.Ref, nil, err)
			return
		}
		t.reply(s, f.Ref, IdentifyReply{Identity: identity, Roster: s.FetchRoster()}, nil)

	case FrameSend:
		var p sendPayload
		if err := decodePayload(f.Payload, &p); err != nil {
			t.reply(s, f.Ref, nil, err)
			return
		}
		msg, err := s.Send(ctx, p.From, p.To, p.Content)
		if err != nil || msg == nil {
			t.reply(s, f.Ref, nil, err)
			return
		}
		t.ack(s, f.Ref, msg)

	case FrameTyping:
		var p typingPayload
		if err := decodePayload(f.Payload, &p); err != nil {
			t.reply(s, f.Ref, nil, err)
			return
		}
		active := f.Type != frameStopTyping
		if p.Active != nil {
			active = *p.Active
		}
		t.commandResult(s, f.Ref, s.SetTyping(ctx, p.From, p.To, active))

	case FrameReadAck:
		var p readAckPayload
		if err := decodePayload(f.Payload, &p); err != nil {
			t.reply(s, f.Ref, nil, err)
			return
		}
		n, err := s.AcknowledgeRead(ctx, p.From, p.To)
		if err != nil {
			t.reply(s, f.Ref, nil, err)
			return
		}
		t.ack(s, f.Ref, ReadAckReply{Updated: n})

	case FrameHistory:
		var p historyPayload
		if err := decodePayload(f.Payload, &p); err != nil {
			t.reply(s, f.Ref, nil, err)
			return
		}
		msgs, err := s.FetchHistory(ctx, p.Peer)
		if err != nil {
			t.reply(s, f.Ref, nil, err)
			return
		}
		t.reply(s, f.Ref, msgs, nil)

	case FrameRoster:
		t.reply(s, f.Ref, s.FetchRoster(), nil)

	default:
		t.reply(s, f.Ref, nil, fmt.Errorf("%w: unknown frame type %q", errBadRequest, f.Type))
	}
}

func (t *Transport) commandResult(s *Session, ref string, err error) {
	if err != nil {
		t.reply(s, ref, nil, err)
		return
	}
	t.ack(s, ref, nil)
}

func (t *Transport) ack(s *Session, ref string, payload any) {
	if ref == "" {
		return
	}
	t.reply(s, ref, payload, nil)
}

// reply queues an ack or error for s. A nil err with a nil payload and an
// empty ref is a dropped late event and sends nothing.
func (t *Transport) reply(s *Session, ref string, payload any, err error) {
	if err == nil {
		if payload == nil && ref == "" {
			return
		}
		s.Deliver(models.Event{Type: models.EventAck, Ref: ref, Payload: payload})
		return
	}

	code := errorCode(err)
	metrics.RequestErrors.WithLabelValues(code).Inc()
	msg := err.Error()
	if code == router.CodeInternal || code == router.CodeStorageUnavailable {
		s.log.Error().Err(err).Str("ref", ref).Msg("request failed")
		msg = "request failed"
	}
	s.Deliver(models.Event{
		Type:    models.EventError,
		Ref:     ref,
		Payload: models.ErrorPayload{Code: code, Message: msg},
	})
}

func errorCode(err error) string {
	if errors.Is(err, errBadRequest) {
		return CodeBadRequest
	}
	return router.Code(err)
}
