// Package apperr defines the error kinds surfaced by the approval engine.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindPermission        Kind = "permission_denied"
	KindInvalidState      Kind = "invalid_state"
	KindInvalidCondition  Kind = "invalid_condition"
	KindUnsupportedPolicy Kind = "unsupported_policy"
	KindDelegation        Kind = "delegation"
	KindInvalidInput      Kind = "invalid_input"
	KindInternal          Kind = "internal"
)

// Sentinels for errors.Is. Any *Error of the same Kind matches.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrPermission        = &Error{Kind: KindPermission}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrInvalidCondition  = &Error{Kind: KindInvalidCondition}
	ErrUnsupportedPolicy = &Error{Kind: KindUnsupportedPolicy}
	ErrDelegation        = &Error{Kind: KindDelegation}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrInternal          = &Error{Kind: KindInternal}
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == KindInternal {
		if e.Op != "" {
			return e.Op + ": internal error"
		}
		return "internal error"
	}
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == ""
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) *Error {
	return newf(KindNotFound, op, format, args...)
}

func Permission(op, format string, args ...any) *Error {
	return newf(KindPermission, op, format, args...)
}

func InvalidState(op, format string, args ...any) *Error {
	return newf(KindInvalidState, op, format, args...)
}

func InvalidCondition(op, format string, args ...any) *Error {
	return newf(KindInvalidCondition, op, format, args...)
}

func UnsupportedPolicy(op, format string, args ...any) *Error {
	return newf(KindUnsupportedPolicy, op, format, args...)
}

func Delegation(op, format string, args ...any) *Error {
	return newf(KindDelegation, op, format, args...)
}

func InvalidInput(op, format string, args ...any) *Error {
	return newf(KindInvalidInput, op, format, args...)
}

// Internal wraps an unexpected fault. The cause stays reachable through
// errors.Unwrap but never appears in Error().
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Wrap passes typed errors through and converts anything else to Internal.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Internal(op, err)
}

func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindPermission:
		return http.StatusForbidden
	case KindInvalidState:
		return http.StatusConflict
	case KindInvalidCondition, KindUnsupportedPolicy, KindInvalidInput:
		return http.StatusBadRequest
	case KindDelegation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
