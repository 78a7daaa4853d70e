package router

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/eldtechnologies/chatline/internal/store"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrAlreadyIdentified = errors.New("already identified")
	ErrNotIdentified     = errors.New("not identified")
)

// Wire error codes.
const (
	CodeInvalidArgument    = "invalid_argument"
	CodeUnauthorized       = "unauthorized"
	CodeAlreadyIdentified  = "already_identified"
	CodeNotIdentified      = "not_identified"
	CodeStorageUnavailable = "storage_unavailable"
	CodeInternal           = "internal"
)

// MaxIdentityBytes bounds an identity after trimming.
const MaxIdentityBytes = 64

// Code maps an operation error to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrAlreadyIdentified):
		return CodeAlreadyIdentified
	case errors.Is(err, ErrNotIdentified):
		return CodeNotIdentified
	case errors.Is(err, store.ErrStorageUnavailable):
		return CodeStorageUnavailable
	default:
		return CodeInternal
	}
}

// NormalizeIdentity trims identity and checks it is usable.
func NormalizeIdentity(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("%w: identity is required", ErrInvalidArgument)
	}
	if len(identity) > MaxIdentityBytes {
		return "", fmt.Errorf("%w: identity too long (max %d bytes)", ErrInvalidArgument, MaxIdentityBytes)
	}
	if strings.IndexFunc(identity, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: identity contains control characters", ErrInvalidArgument)
	}
	if identity == "." || identity == ".." {
		return "", fmt.Errorf("%w: identity %q is reserved", ErrInvalidArgument, identity)
	}
	return identity, nil
}
