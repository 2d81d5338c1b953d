// Package fetcher performs rate-limited HTTP requests against external case
// sources, retrying transient failures under an injected policy.
package fetcher

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rotisserie/eris"
)

// ErrAuthRejected is returned for 401/403 responses. It is never retried.
var ErrAuthRejected = eris.New("fetcher: credentials rejected")

// RequestFunc builds a fresh request for each attempt.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Fetcher sends a request and returns the fully read response.
type Fetcher interface {
	Fetch(ctx context.Context, newReq RequestFunc) (*Response, error)
}

// Response is a fully buffered HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
	Attempts   int
}

// StatusError is returned for non-2xx responses that are not retried.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return "http " + http.StatusText(e.StatusCode) + " from " + e.URL
}

// ExhaustedError reports that every attempt failed with a transient error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}
