package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error so transport layers can map it to a status
// without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindUnauthorized
	KindPreconditionViolated
	KindNotFound
	KindInvalidEventType
	KindNoValidEventTypes
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindUnauthorized:
		return "unauthorized"
	case KindPreconditionViolated:
		return "precondition_violated"
	case KindNotFound:
		return "not_found"
	case KindInvalidEventType:
		return "invalid_event_type"
	case KindNoValidEventTypes:
		return "no_valid_event_types"
	default:
		return "unknown"
	}
}

// Error is the structured error surfaced by engine operations. State carries
// the entity's current state for precondition diagnostics.
type Error struct {
	Kind  Kind
	State string
	msg   string
}

func (e *Error) Error() string {
	if e.State != "" {
		return fmt.Sprintf("%s (state=%s)", e.msg, e.State)
	}
	return e.msg
}

// InvalidInput reports a syntactic validation failure.
func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, msg: fmt.Sprintf(format, args...)}
}

// Unauthorized reports a caller/role mismatch.
func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, msg: fmt.Sprintf(format, args...)}
}

// Precondition reports an operation rejected by the entity's current state.
func Precondition(state string, format string, args ...any) *Error {
	return &Error{Kind: KindPreconditionViolated, State: state, msg: fmt.Sprintf(format, args...)}
}

// NotFound reports an absent entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, msg: fmt.Sprintf("%s %s not found", entity, id)}
}

// InvalidEventType reports an event tag outside the closed set.
func InvalidEventType(eventType string) *Error {
	return &Error{Kind: KindInvalidEventType, msg: fmt.Sprintf("unknown event type %q", eventType)}
}

// NoValidEventTypes reports a subscription whose filter is empty after
// intersecting with the recognized set.
func NoValidEventTypes() *Error {
	return &Error{Kind: KindNoValidEventTypes, msg: "no valid event types in subscription filter"}
}

// KindOf extracts the kind from any error in the chain.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
