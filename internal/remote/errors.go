package remote

import (
	"errors"
	"fmt"
)

// Error categories every backend maps its failures onto.
var (
	// ErrNotFound indicates the pool, job, task, container or blob does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict indicates the resource already exists.
	ErrConflict = errors.New("resource already exists")

	// ErrBeingDeleted indicates the resource is still being deleted and cannot be
	// recreated yet. It is transient.
	ErrBeingDeleted = errors.New("resource is being deleted")

	// ErrTransient indicates throttling, a 5xx response or a timeout; retrying may succeed.
	ErrTransient = errors.New("transient remote error")

	// ErrRemoteUnavailable indicates a transient error persisted after all retries.
	ErrRemoteUnavailable = errors.New("remote service unavailable")

	// ErrAuthentication indicates the service rejected the credential.
	ErrAuthentication = errors.New("remote authentication failed")

	// ErrInvalidSpec indicates the service rejected the request as malformed.
	ErrInvalidSpec = errors.New("invalid request")
)

// ServiceError carries the service's own error code alongside its category.
type ServiceError struct {
	Category   error
	StatusCode int
	Code       string
	Message    string
}

func (e *ServiceError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%v (status %d): %s", e.Category, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%v (status %d, %s): %s", e.Category, e.StatusCode, e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Category
}

// CategoryForStatus maps an HTTP status code to an error category.
func CategoryForStatus(status int) error {
	switch {
	case status == 404:
		return ErrNotFound
	case status == 409:
		return ErrConflict
	case status == 401 || status == 403:
		return ErrAuthentication
	case status == 408 || status == 429 || status >= 500:
		return ErrTransient
	default:
		return ErrInvalidSpec
	}
}

// IsNotFound reports whether err means the resource is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err means the resource already exists.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsTransient reports whether retrying err may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrBeingDeleted)
}
