package catalog

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies catalog failures.
type Kind int

const (
	// KindTransient covers timeouts, connection failures, 429 and 5xx
	// responses. These are retried before they surface.
	KindTransient Kind = iota + 1
	// KindAuth is a 401 or 403. Never retried.
	KindAuth
	// KindNotFound is a 404, typically an entity type the tenant does not have.
	KindNotFound
	// KindWrite is a rejected push.
	KindWrite
	// KindProtocol is a response that could not be understood.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindWrite:
		return "write"
	case KindProtocol:
		return "protocol"
	}
	return "unknown"
}

// Sentinels matched by Error.Is.
var (
	ErrTransient = errors.New("catalog temporarily unavailable")
	ErrAuth      = errors.New("catalog rejected credentials")
	ErrNotFound  = errors.New("catalog resource not found")
	ErrWrite     = errors.New("catalog write rejected")
	ErrProtocol  = errors.New("unexpected catalog response")
)

// Error is returned by every Client operation.
type Error struct {
	Kind       Kind
	Op         string // e.g. "fetch entities", "push translation"
	EntityType string
	Status     int // HTTP status, 0 when no response was received
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("catalog %s", e.Op)
	if e.EntityType != "" {
		msg += " " + e.EntityType
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrWrite:
		return e.Kind == KindWrite
	case ErrProtocol:
		return e.Kind == KindProtocol
	}
	return false
}

// KindOf returns the kind of a catalog error, or 0 for other errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// kindForStatus maps an HTTP status to an error kind. Statuses that are not
// errors return 0.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return KindTransient
	case status >= 400:
		return KindProtocol
	}
	return 0
}
