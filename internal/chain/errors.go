package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when every provider reports the object as missing.
	ErrNotFound = errors.New("chain: not found")
	// ErrUpstreamUnavailable is returned when no provider could answer.
	ErrUpstreamUnavailable = errors.New("chain: upstream unavailable")
)

// StatusError is a non-2xx HTTP response from a provider
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s: %s", e.Code, e.URL, e.Body)
}

// retryable reports whether another attempt against the same provider may succeed
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests || se.Code == http.StatusRequestTimeout
	}
	// transport errors, attempt timeouts and truncated bodies
	return true
}
