// Package apperr defines the client-facing error kinds and the HTTP
// status each one surfaces as.
package apperr

import (
	"fmt"
	"net/http"
)

// Kind is one of the client-facing error kinds.
type Kind string

const (
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindRateLimited     Kind = "RATE_LIMITED"
	KindSchemaInvalid   Kind = "SCHEMA_INVALID"
	KindTooLarge        Kind = "TOO_LARGE"
	KindQuotaSoft       Kind = "QUOTA_SOFT"
	KindQuotaHard       Kind = "QUOTA_HARD"
	KindNotReady        Kind = "NOT_READY"
	KindInternal        Kind = "INTERNAL"
)

var statusByKind = map[Kind]int{
	KindUnauthenticated: http.StatusUnauthorized,
	KindRateLimited:     http.StatusTooManyRequests,
	KindSchemaInvalid:   http.StatusBadRequest,
	KindTooLarge:        http.StatusRequestEntityTooLarge,
	KindQuotaSoft:       http.StatusTooManyRequests,
	KindQuotaHard:       http.StatusTooManyRequests,
	KindNotReady:        http.StatusServiceUnavailable,
	KindInternal:        http.StatusInternalServerError,
}

// Error is a Kind carrying a human-readable message. It implements the
// standard error interface so it can flow through normal Go error
// handling until it reaches the HTTP layer.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// Status returns the HTTP status code this kind surfaces as.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an *Error for the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
