package lark

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError is a failed HTTP exchange: network error, timeout or a
// non-2xx response. Code and Msg are filled when the body carried an API error.
type TransportError struct {
	Endpoint string
	Status   int
	Code     int
	Msg      string
	Err      error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("request to %s failed", e.Endpoint)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Code != 0 || e.Msg != "" {
		msg += fmt.Sprintf(": code %d: %s", e.Code, e.Msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the request may succeed.
func (e *TransportError) Retryable() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// APIError is a well-formed response whose code is not zero.
type APIError struct {
	Endpoint string
	Code     int
	Msg      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error from %s: %s (code: %d)", e.Endpoint, e.Msg, e.Code)
}

// IsAPIError reports whether err wraps an APIError.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}
