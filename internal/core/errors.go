package core

import (
	"errors"
)

// Kind classifies failures so transports can map them without inspecting
// messages.
type Kind int

const (
	KindInternal Kind = iota
	KindConfiguration
	KindUnauthorized
	KindValidation
	KindNotFound
	KindTransient
	KindSchemaViolation
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindUnauthorized:
		return "unauthorized"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindSchemaViolation:
		return "schema_violation"
	default:
		return "internal"
	}
}

// Error carries a Kind and a message that is safe to show to clients. The
// wrapped error holds the details and is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func Validation(msg string) error {
	return &Error{Kind: KindValidation, Message: msg}
}

func Unauthorized(msg string, err error) error {
	return &Error{Kind: KindUnauthorized, Message: msg, Err: err}
}

func Transient(msg string, err error) error {
	return &Error{Kind: KindTransient, Message: msg, Err: err}
}

func SchemaViolation(msg string, err error) error {
	return &Error{Kind: KindSchemaViolation, Message: msg, Err: err}
}

func Configuration(msg string) error {
	return &Error{Kind: KindConfiguration, Message: msg}
}

func Internal(msg string, err error) error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// SafeMessage returns the client-facing message of err. Unclassified errors
// get a generic text so internals never leak.
func SafeMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "Internal server error"
}
