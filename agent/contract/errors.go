package contract

import (
	"context"
	"errors"
)

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")

	ErrTransient               = errors.New("transient failure")
	ErrNotFound                = errors.New("not found")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrNoDriverAvailable       = errors.New("no driver available")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrReservationNotFound     = errors.New("reservation not found")
	ErrUnknownIssueCategory    = errors.New("unknown issue category")
	ErrFatal                   = errors.New("collaborator unavailable")
	ErrConversationEnded       = errors.New("conversation has ended")
)

// ErrorKind is the stable name of a failure class, used in traces and API bodies.
type ErrorKind string

const (
	KindNone                    ErrorKind = ""
	KindTransient               ErrorKind = "transient"
	KindValidation              ErrorKind = "validation"
	KindNotFound                ErrorKind = "not_found"
	KindInsufficientStock       ErrorKind = "insufficient_stock"
	KindNoDriverAvailable       ErrorKind = "no_driver_available"
	KindInvalidStatusTransition ErrorKind = "invalid_status_transition"
	KindReservationNotFound     ErrorKind = "reservation_not_found"
	KindUnknownIssueCategory    ErrorKind = "unknown_issue_category"
	KindFatal                   ErrorKind = "fatal"
	KindConversationEnded       ErrorKind = "conversation_ended"
	KindInternal                ErrorKind = "internal"
)

var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	// Fatal wraps the last transient error, so it must be matched first.
	{ErrFatal, KindFatal},
	{ErrInsufficientStock, KindInsufficientStock},
	{ErrNoDriverAvailable, KindNoDriverAvailable},
	{ErrInvalidStatusTransition, KindInvalidStatusTransition},
	{ErrReservationNotFound, KindReservationNotFound},
	{ErrUnknownIssueCategory, KindUnknownIssueCategory},
	{ErrConversationEnded, KindConversationEnded},
	{ErrNotFound, KindNotFound},
	{ErrValidation, KindValidation},
	{ErrSchemaViolation, KindValidation},
	{ErrTransient, KindTransient},
	{context.DeadlineExceeded, KindTransient},
}

func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}

// IsTransient reports whether err may succeed on a later attempt.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrFatal) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// IsBusinessRule reports failures that workers translate into an alternate action.
func IsBusinessRule(err error) bool {
	switch KindOf(err) {
	case KindInsufficientStock, KindNoDriverAvailable, KindInvalidStatusTransition,
		KindReservationNotFound, KindUnknownIssueCategory:
		return true
	default:
		return false
	}
}

// IsClientError reports failures caused by the caller's input.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindConversationEnded:
		return true
	default:
		return IsBusinessRule(err)
	}
}
