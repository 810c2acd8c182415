package session

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited is returned when the local cooldown refuses a call or
	// the remote service reports a quota violation.
	ErrRateLimited = errors.New("session service rate limited")

	// ErrNotFound is returned when the remote session no longer exists.
	ErrNotFound = errors.New("session not found")

	// ErrNoActiveSession is returned by operations that need a current session.
	ErrNoActiveSession = errors.New("no active session")

	// ErrNotHost is returned by host-only operations on a client.
	ErrNotHost = errors.New("operation requires the session host")

	// ErrUnauthorized is returned when the service rejects credentials.
	ErrUnauthorized = errors.New("session service unauthorized")
)

// ErrorKind classifies a ServiceError.
type ErrorKind string

const (
	KindRateLimited  ErrorKind = "rate_limited"
	KindNotFound     ErrorKind = "not_found"
	KindUnauthorized ErrorKind = "unauthorized"
	KindOther        ErrorKind = "other"
)

// ServiceError is a failed remote call.
type ServiceError struct {
	Op     string
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("session service %s failed (%s, status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("session service %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is maps the error kind onto the package sentinels.
func (e *ServiceError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnauthorized:
		return e.Kind == KindUnauthorized
	}
	return false
}

// KindOf classifies any error returned by a Service.
func KindOf(err error) ErrorKind {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	}
	return KindOther
}
