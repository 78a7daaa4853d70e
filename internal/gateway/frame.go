package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/eldtechnologies/chatline/internal/models"
	"github.com/eldtechnologies/chatline/internal/router"
)

// Request frame types.
const (
	FrameIdentify = "identify"
	FrameSend     = "send"
	FrameTyping   = "typing"
	FrameReadAck  = "read_ack"
	FrameHistory  = "history"
	FrameRoster   = "roster"

	// Names used by older clients.
	frameJoin           = "join"
	framePrivateMessage = "private_message"
	frameStopTyping     = "stop_typing"
	frameReadMessage    = "read_message"
)

// CodeBadRequest rejects a frame that could not be decoded at all.
const CodeBadRequest = "bad_request"

var errBadRequest = errors.New("bad request")

// Frame is one inbound request.
type Frame struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type identifyPayload struct {
	Identity string `json:"identity" validate:"required"`
}

type sendPayload struct {
	From    string `json:"from"`
	To      string `json:"to" validate:"required"`
	Content string `json:"content" validate:"required"`
}

type typingPayload struct {
	From   string `json:"from"`
	To     string `json:"to" validate:"required"`
	Active *bool  `json:"active"`
}

type readAckPayload struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to"`
}

type historyPayload struct {
	Peer string `json:"peer" validate:"required"`
}

// IdentifyReply acknowledges an identify frame.
type IdentifyReply struct {
	Identity string               `json:"identity"`
	Roster   []models.RosterEntry `json:"roster"`
}

// ReadAckReply acknowledges a read_ack frame.
type ReadAckReply struct {
	Updated int64 `json:"updated"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// canonicalType maps legacy frame names onto current ones.
func canonicalType(t string) string {
	switch t {
	case frameJoin:
		return FrameIdentify
	case framePrivateMessage:
		return FrameSend
	case frameStopTyping:
		return FrameTyping
	case frameReadMessage:
		return FrameReadAck
	}
	return t
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: frame type is required", errBadRequest)
	}
	return f, nil
}

// decodePayload unmarshals raw into dst and validates it.
func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

// decodeIdentify also accepts a bare JSON string, as sent by older
// clients with "join".
func decodeIdentify(raw json.RawMessage) (identifyPayload, error) {
	var p identifyPayload
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		p.Identity = bare
		return p, validationError(validate.Struct(p))
	}
	err := decodePayload(raw, &p)
	return p, err
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", router.ErrInvalidArgument, strings.Join(parts, ", "))
}
