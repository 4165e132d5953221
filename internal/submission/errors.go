package submission

import (
	"errors"
	"fmt"
)

// Kind classifies decision failures so callers can tell "someone else already
// decided this" apart from "the system is unreachable".
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindTransient
	KindUnauthorized
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("submission already decided")
	ErrTransient    = errors.New("queue store unavailable")
	ErrUnauthorized = errors.New("server rejected the API token")
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindUnauthorized:
		return "unauthorized"
	}
	return "unknown"
}

// Message is the stable user-facing text for each kind.
func (k Kind) Message() string {
	switch k {
	case KindValidation:
		return "Feedback is required before deciding."
	case KindNotFound:
		return "This submission no longer exists."
	case KindConflict:
		return "This submission has already been evaluated by someone else."
	case KindTransient:
		return "The queue is unreachable right now. Please try again."
	case KindUnauthorized:
		return "The queue server rejected your credentials."
	}
	return "Something went wrong while updating the submission."
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindTransient:
		return ErrTransient
	case KindUnauthorized:
		return ErrUnauthorized
	}
	return nil
}

// Error carries a Kind plus the operation and submission it relates to.
// errors.Is(err, ErrConflict) and friends match through it.
type Error struct {
	Kind Kind
	Op   string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.ID != "" {
		msg += " " + e.ID
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg + ": " + e.Kind.String()
}

func (e *Error) Unwrap() []error {
	var errs []error
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ErrorKind matches the classifier shape used by the HTTP layer.
func (e *Error) ErrorKind() string { return e.Kind.String() }

// KindOf reports the classification of err, looking through wrapping.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	}
	return KindUnknown
}

func Invalid(op, id, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, ID: id, Err: fmt.Errorf(format, args...)}
}

func NotFound(op, id string) error {
	return &Error{Kind: KindNotFound, Op: op, ID: id}
}

func Conflict(op, id string, cause error) error {
	return &Error{Kind: KindConflict, Op: op, ID: id, Err: cause}
}

func Transient(op, id string, cause error) error {
	return &Error{Kind: KindTransient, Op: op, ID: id, Err: cause}
}

func Unauthorized(op, id string, cause error) error {
	return &Error{Kind: KindUnauthorized, Op: op, ID: id, Err: cause}
}
