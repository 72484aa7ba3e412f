package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrTimeout marks a call that exceeded the transport deadline.
var ErrTimeout = errors.New("transport: deadline exceeded")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: http %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether the server signalled a transient failure.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500
}

// NetworkError wraps a failure that happened before a response arrived.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: network error: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusCode extracts the HTTP status from err, or 0 if there is none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
