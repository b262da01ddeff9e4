// Package apperr defines the error taxonomy shared by every component.
//
// Components declare sentinel errors with New and return them (optionally
// enriched with With or wrapped with Wrap). The HTTP layer maps the Kind to a
// status code and renders the Code plus any Fields. Causes attached with Wrap
// are logged but never rendered.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindConflict
	KindRateLimited
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// HTTPStatus returns the status code a boundary should answer with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified, machine-readable failure.
type Error struct {
	Kind   Kind
	Code   string
	Fields map[string]any
	Err    error
}

func New(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

// Wrap classifies a low-level cause.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// Internal wraps an unexpected cause.
func Internal(err error) *Error {
	return Wrap(KindInternal, CodeServerError, err)
}

// Transient wraps a store failure that is safe to retry.
func Transient(err error) *Error {
	return Wrap(KindTransient, CodeStoreUnavailable, err)
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind and code so that enriched copies still match their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

// With returns a copy carrying an extra response field.
func (e *Error) With(key string, value any) *Error {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	return &Error{Kind: e.Kind, Code: e.Code, Fields: fields, Err: e.Err}
}

// Because returns a copy carrying a cause.
func (e *Error) Because(err error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Fields: e.Fields, Err: err}
}

// From classifies any error; unclassified errors become internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// KindOf returns the kind of err, KindInternal when unclassified.
func KindOf(err error) Kind {
	return From(err).Kind
}
