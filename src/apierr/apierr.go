// Package apierr defines the error taxonomy surfaced by the transport core.
//
// Every terminal failure leaving the router is an *Error carrying a Kind and a
// short human-readable message suitable for a status banner.
package apierr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a transport failure.
type Kind int

const (
	Unexpected Kind = iota
	Timeout
	ConnectionLost
	Unauthorized
	ServerError
	SessionUnavailable
	// MalformedResponse is reserved for decode failures upstream of the
	// response parser; the parser itself never produces it.
	MalformedResponse
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case ConnectionLost:
		return "connection_lost"
	case Unauthorized:
		return "unauthorized"
	case ServerError:
		return "server_error"
	case SessionUnavailable:
		return "session_unavailable"
	case MalformedResponse:
		return "malformed_response"
	default:
		return "unexpected"
	}
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so the sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrTimeout            = &Error{Kind: Timeout, Message: "request timed out"}
	ErrConnectionLost     = &Error{Kind: ConnectionLost, Message: "connection lost"}
	ErrUnauthorized       = &Error{Kind: Unauthorized, Message: "unauthorized"}
	ErrServerError        = &Error{Kind: ServerError, Message: "server error"}
	ErrUnexpected         = &Error{Kind: Unexpected, Message: "unexpected error"}
	ErrSessionUnavailable = &Error{Kind: SessionUnavailable, Message: "session unavailable"}
	ErrMalformedResponse  = &Error{Kind: MalformedResponse, Message: "malformed response"}
)

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf classifies an arbitrary error. Context deadline errors map to
// Timeout; anything unclassified is Unexpected.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unexpected
}

// From returns err as an *Error, classifying it when needed. Returns nil for a
// nil error.
func From(err error, msg string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindOf(err), msg, err)
}
