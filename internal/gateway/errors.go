package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkTimeout matches requests that exceeded the gateway timeout.
	ErrNetworkTimeout = errors.New("network timeout")

	// ErrRefreshFailed matches rejected or malformed token refreshes.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrSessionExpired matches 401s that refresh could not resolve. The token
	// store has been cleared by the time the caller sees it.
	ErrSessionExpired = errors.New("session expired")

	// ErrNoSession is returned by TokenSource when nothing is stored.
	ErrNoSession = errors.New("not signed in")
)

// NetworkError is a transport-level failure (DNS, connection refused, timeout).
// Timeouts additionally match ErrNetworkTimeout.
type NetworkError struct {
	Method  string
	URL     string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	kind := "network error"
	if e.Timeout {
		kind = "network timeout"
	}
	return fmt.Sprintf("%s: %s %s: %v", kind, e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	if e.Timeout {
		return []error{ErrNetworkTimeout, e.Err}
	}
	return []error{e.Err}
}

// HTTPError is a non-2xx response outside the refresh path.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// IsTransient reports whether err is environmental (network error or timeout)
// rather than a server or session decision.
func IsTransient(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
