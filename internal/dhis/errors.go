package dhis

import (
	"errors"
	"fmt"
)

// Sentinel kinds for the error taxonomy. Transport failures are returned
// as wrapped net/http errors and matched with IsTransport.
var (
	// ErrNotFound marks an HTTP 404; metadata callers treat it as an empty success
	ErrNotFound = errors.New("resource not available")
	// ErrAuth marks an HTTP 401/403; fatal for the whole job
	ErrAuth = errors.New("authentication rejected")
)

// HTTPError carries the status and response body of a failed call
type HTTPError struct {
	Status int
	Path   string
	Body   string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("HTTP %d from %s: %s", e.Status, e.Path, body)
}

// Unwrap maps status classes onto the sentinel kinds
func (e *HTTPError) Unwrap() error {
	switch {
	case e.Status == 404:
		return ErrNotFound
	case e.Status == 401 || e.Status == 403:
		return ErrAuth
	}
	return nil
}

// IsNotFound reports whether err is an HTTP 404
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAuthError reports whether err is an HTTP 401/403
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}
