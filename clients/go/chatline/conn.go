package chatline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// ErrorCode is a wire error code reported by the server.
type ErrorCode string

const (
	CodeInvalidArgument    ErrorCode = "invalid_argument"
	CodeUnauthorized       ErrorCode = "unauthorized"
	CodeAlreadyIdentified  ErrorCode = "already_identified"
	CodeNotIdentified      ErrorCode = "not_identified"
	CodeStorageUnavailable ErrorCode = "storage_unavailable"
	CodeBadRequest         ErrorCode = "bad_request"
	CodeInternal           ErrorCode = "internal"
)

// ServerError is a request the server rejected.
type ServerError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrClosed is returned by requests on a closed connection.
var ErrClosed = errors.New("chatline: connection closed")

// Pushed event types.
const (
	EventMessage          = "message"
	EventReadStateChanged = "readStateChanged"
	EventTypingChanged    = "typingChanged"
	EventPresenceChanged  = "presenceChanged"
	EventError            = "error"
)

// Event is a server push. Decode the payload with the typed accessors.
type Event struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message decodes a message event.
func (e Event) Message() (Message, error) {
	var m Message
	err := json.Unmarshal(e.Payload, &m)
	return m, err
}

// Typing decodes a typingChanged event.
func (e Event) Typing() (from string, active bool, err error) {
	var p struct {
		From   string `json:"from"`
		Active bool   `json:"active"`
	}
	err = json.Unmarshal(e.Payload, &p)
	return p.From, p.Active, err
}

// Presence decodes a presenceChanged event.
func (e Event) Presence() (User, error) {
	var u User
	err := json.Unmarshal(e.Payload, &u)
	return u, err
}

// ReadBy decodes a readStateChanged event: who read your messages.
func (e Event) ReadBy() (string, error) {
	var p struct {
		By string `json:"by"`
	}
	err := json.Unmarshal(e.Payload, &p)
	return p.By, err
}

// Conn is a realtime connection. Requests may be issued from any
// goroutine; pushes arrive on Events.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	nextRef atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan Event
	closed  bool

	events chan Event
	done   chan struct{}
	err    error
}

// Dial opens a realtime connection to the server behind c.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return nil, err
	}

	conn := &Conn{
		ws:      ws,
		pending: make(map[string]chan Event),
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
	}
	go conn.readLoop()
	return conn, nil
}

// Events streams server pushes. It is closed when the connection ends.
// Pushes are dropped while the buffer is full.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, once Done is closed.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Conn) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		for ref, ch := range c.pending {
			close(ch)
			delete(c.pending, ref)
		}
		c.mu.Unlock()
		close(c.events)
		close(c.done)
	}()

	for {
		var evt Event
		if err := c.ws.ReadJSON(&evt); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.err = err
			}
			return
		}

		if evt.Ref != "" {
			c.mu.Lock()
			ch, ok := c.pending[evt.Ref]
			delete(c.pending, evt.Ref)
			c.mu.Unlock()
			if ok {
				ch <- evt
				continue
			}
		}
		if evt.Type == "ack" {
			continue
		}
		select {
		case c.events <- evt:
		default:
			// Events is not being drained.
		}
	}
}

// request sends a frame and waits for its ack or error.
func (c *Conn) request(ctx context.Context, typ string, payload, out any) error {
	ref := strconv.FormatUint(c.nextRef.Add(1), 10)
	ch := make(chan Event, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[ref] = ch
	c.mu.Unlock()

	frame := struct {
		Type    string `json:"type"`
		Ref     string `json:"ref"`
		Payload any    `json:"payload,omitempty"`
	}{typ, ref, payload}

	c.writeMu.Lock()
	err := c.ws.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(ref)
		return err
	}

	select {
	case evt, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if evt.Type == EventError {
			serr := &ServerError{}
			if err := json.Unmarshal(evt.Payload, serr); err != nil {
				return err
			}
			return serr
		}
		if out == nil || len(evt.Payload) == 0 {
			return nil
		}
		return json.Unmarshal(evt.Payload, out)
	case <-ctx.Done():
		c.forget(ref)
		return ctx.Err()
	}
}

func (c *Conn) forget(ref string) {
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

// Identify binds the connection to identity and returns the roster.
func (c *Conn) Identify(ctx context.Context, identity string) ([]User, error) {
	var reply struct {
		Identity string `json:"identity"`
		Roster   []User `json:"roster"`
	}
	if err := c.request(ctx, "identify", map[string]string{"identity": identity}, &reply); err != nil {
		return nil, err
	}
	return reply.Roster, nil
}

// Send sends content to the identity to and returns the stored message.
func (c *Conn) Send(ctx context.Context, to, content string) (*Message, error) {
	var msg Message
	if err := c.request(ctx, "send", map[string]string{"to": to, "content": content}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Typing tells to that you started or stopped typing.
func (c *Conn) Typing(ctx context.Context, to string, active bool) error {
	return c.request(ctx, "typing", map[string]any{"to": to, "active": active}, nil)
}

// ReadAck marks every message from from to you as read and returns how
// many changed.
func (c *Conn) ReadAck(ctx context.Context, from string) (int64, error) {
	var reply struct {
		Updated int64 `json:"updated"`
	}
	if err := c.request(ctx, "read_ack", map[string]string{"from": from}, &reply); err != nil {
		return 0, err
	}
	return reply.Updated, nil
}

// History returns your conversation with peer.
func (c *Conn) History(ctx context.Context, peer string) ([]Message, error) {
	var msgs []Message
	if err := c.request(ctx, "history", map[string]string{"peer": peer}, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Roster lists every identity the server has seen.
func (c *Conn) Roster(ctx context.Context) ([]User, error) {
	var users []User
	if err := c.request(ctx, "roster", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}
