package network

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is matched by every AuthorizationError.
var ErrUnauthorized = errors.New("unauthorized")

// TransportError is a network or server side failure that may succeed when retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DigestMismatchError means the backend computed a different digest than the client declared.
// Index is -1 when the mismatch was detected for the whole file.
type DigestMismatchError struct {
	Op      string
	Index   int
	Message string
}

func (e *DigestMismatchError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s: digest mismatch for chunk %d: %s", e.Op, e.Index, e.Message)
	}
	return fmt.Sprintf("%s: digest mismatch: %s", e.Op, e.Message)
}

// AuthorizationError means the session credential was rejected.
type AuthorizationError struct {
	Op      string
	Message string
}

func (e *AuthorizationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: unauthorized", e.Op)
	}
	return fmt.Sprintf("%s: unauthorized: %s", e.Op, e.Message)
}

// Is makes errors.Is(err, ErrUnauthorized) true for any AuthorizationError.
func (e *AuthorizationError) Is(target error) bool {
	return target == ErrUnauthorized
}

// ServerAssemblyError means the backend could not assemble the final object from the stored chunks.
type ServerAssemblyError struct {
	StatusCode int
	Message    string
}

func (e *ServerAssemblyError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("assemble file: %s", e.Message)
	}
	return fmt.Sprintf("assemble file: HTTP %d: %s", e.StatusCode, e.Message)
}

// StatusError is an unexpected HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsUnauthorized reports whether err is an authorization failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
