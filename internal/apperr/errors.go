// Package apperr defines the error taxonomy shared by the visibility engine,
// the bot pipeline and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and HTTP mapping decisions
type Kind string

const (
	KindValidation             Kind = "validation"
	KindPermission             Kind = "permission"
	KindNotFound               Kind = "not_found"
	KindStateTransition        Kind = "state_transition"
	KindActionAlreadyTriggered Kind = "action_already_triggered"
	KindTransient              Kind = "transient"
)

// Error is a classified domain error
type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

func Permission(format string, args ...any) *Error {
	return newError(KindPermission, format, args...)
}

// MissingPermission is returned when a bot handler uses a capability it did not declare
func MissingPermission(botID, permission string) *Error {
	e := newError(KindPermission, "bot %s is missing permission %s", botID, permission)
	e.Details = map[string]string{"bot_id": botID, "permission": permission}
	return e
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

func StateTransition(format string, args ...any) *Error {
	return newError(KindStateTransition, format, args...)
}

func ActionAlreadyTriggered(actionID string) *Error {
	e := newError(KindActionAlreadyTriggered, "action %s has already been triggered", actionID)
	e.Details = map[string]string{"action_id": actionID}
	return e
}

// Transient wraps a handler failure that the job queue should retry
func Transient(err error, format string, args ...any) *Error {
	e := newError(KindTransient, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of the first *Error in the chain, or "" if none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the job queue should retry err. Unclassified
// errors are treated as transient.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindPermission, KindNotFound, KindStateTransition, KindActionAlreadyTriggered:
		return false
	default:
		return true
	}
}

// HTTPStatus maps err to a response status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindStateTransition, KindActionAlreadyTriggered:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
