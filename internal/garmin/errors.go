package garmin

import (
	"errors"
	"fmt"
	"time"
)

// HTTPError is a non-OK response from the Garmin API
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("garmin api returned %d: %s", e.StatusCode, e.Body)
}

// AuthError means the token is invalid or expired beyond refresh. The
// caller must mark the connection as requiring re-authorization; the
// operation is never retried automatically
type AuthError struct {
	Operation string
	Cause     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("garmin auth failed during %s: %v", e.Operation, e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// RateLimitError means the provider is throttling us. Retried with
// backoff; never surfaced as a user-facing failure
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("garmin rate limited, retry after %s", e.RetryAfter)
	}
	return "garmin rate limited"
}

// IsAuthError reports whether err is (or wraps) an AuthError
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsRateLimited reports whether err is (or wraps) a RateLimitError
func IsRateLimited(err error) bool {
	var rlErr *RateLimitError
	return errors.As(err, &rlErr)
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == 404
}
