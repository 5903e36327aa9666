package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrTimeout is matched by errors.Is for any request that ran out of time.
var ErrTimeout = errors.New("request timed out")

// NetworkError is a transport-level failure: the request never produced an
// HTTP response. It is retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError means the backend rejected the payload. Retrying the same
// payload will fail again, so it must be surfaced for correction.
type ValidationError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: rejected by server (%d): %s", e.Op, e.StatusCode, e.Message)
}

// APIError is any other non-2xx response, such as a 5xx or a rate limit.
// It is retryable.
type APIError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API error: %s - %s", e.Op, e.Status, e.Body)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// validationStatus lists response codes meaning "this payload will never be
// accepted as is".
func validationStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusConflict, http.StatusRequestEntityTooLarge,
		http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// transportErr classifies an error returned by http.Client.Do.
func transportErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &NetworkError{Op: op, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &NetworkError{Op: op, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	return &NetworkError{Op: op, Err: err}
}
