package chatsync

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy. Gateway errors match one of these through errors.Is.
var (
	// ErrTransient marks retry-eligible failures: timeouts, dropped
	// connections, 5xx responses.
	ErrTransient = errors.New("transient network error")
	// ErrAuthExpired is surfaced to the session layer and never retried here.
	ErrAuthExpired = errors.New("auth expired")
	// ErrValidation marks malformed input; not retried.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing room or message.
	ErrNotFound = errors.New("not found")

	ErrSessionClosed = errors.New("session closed")
	ErrRoomNotOpen   = errors.New("room not open")
)

// APIError is a failed request against the remote data service.
type APIError struct {
	Op         string `json:"-"`
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, msg)
	}
	return e.Op + ": " + msg
}

func (e *APIError) Unwrap() error { return e.Err }

// Is maps the error onto the taxonomy by status code.
func (e *APIError) Is(target error) bool {
	return target == e.kind()
}

func (e *APIError) kind() error {
	switch {
	case e.StatusCode == 0:
		return ErrTransient
	case e.StatusCode == http.StatusUnauthorized:
		return ErrAuthExpired
	case e.StatusCode == http.StatusNotFound, e.StatusCode == http.StatusNotAcceptable:
		return ErrNotFound
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return ErrTransient
	case e.StatusCode >= 400:
		return ErrValidation
	}
	return nil
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsAuthExpired reports whether err requires re-authentication.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
