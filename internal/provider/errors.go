package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrBreakerOpen is returned without a network call while the breaker rejects traffic.
var ErrBreakerOpen = errors.New("provider: circuit open")

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider op=%s status=%d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("provider op=%s status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

// IsRateLimited reports whether err is an HTTP 429 from the provider.
func IsRateLimited(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusTooManyRequests
}

// IsGone reports whether the provider no longer knows the addressed resource (404, 410).
func IsGone(err error) bool {
	code := StatusCode(err)
	return code == http.StatusNotFound || code == http.StatusGone
}

// StatusCode returns the HTTP status of err, or 0 for transport errors.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// countsAsFailure reports whether err should trip the breaker: transport errors and 5xx.
func countsAsFailure(err error) bool {
	code := StatusCode(err)
	return code == 0 || code >= 500
}
