package models

// EventType names an outbound push or reply sent to a connection.
type EventType string

const (
	EventMessage          EventType = "message"
	EventReadStateChanged EventType = "readStateChanged"
	EventTypingChanged    EventType = "typingChanged"
	EventPresenceChanged  EventType = "presenceChanged"

	// Replies to a request frame, correlated by Ref.
	EventAck   EventType = "ack"
	EventError EventType = "error"
)

// Event is the envelope for everything pushed to a connection.
type Event struct {
	Type    EventType `json:"type"`
	Ref     string    `json:"ref,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

// ReadStatePayload tells a sender that By has read their messages.
type ReadStatePayload struct {
	By string `json:"by"`
}

// TypingPayload carries a typing indicator from From.
type TypingPayload struct {
	From   string `json:"from"`
	Active bool   `json:"active"`
}

// PresencePayload announces that Identity went online or offline.
type PresencePayload struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
}

// ErrorPayload describes why a request frame was rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessageEvent wraps a persisted message for delivery.
func NewMessageEvent(msg Message) Event {
	return Event{Type: EventMessage, Payload: msg}
}

// NewReadStateEvent notifies a sender that by has read their messages.
func NewReadStateEvent(by string) Event {
	return Event{Type: EventReadStateChanged, Payload: ReadStatePayload{By: by}}
}

// NewTypingEvent forwards a typing indicator.
func NewTypingEvent(from string, active bool) Event {
	return Event{Type: EventTypingChanged, Payload: TypingPayload{From: from, Active: active}}
}

// NewPresenceEvent announces a presence transition.
func NewPresenceEvent(identity string, online bool) Event {
	return Event{Type: EventPresenceChanged, Payload: PresencePayload{Identity: identity, Online: online}}
}
