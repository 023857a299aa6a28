package api

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrInvalidKeyFormat is returned when the API key or secret does not
	// match the expected credential format.
	ErrInvalidKeyFormat = errors.New("invalid API key or secret format")
)

// TransportError represents a network-level failure: the request never
// produced a response from the brokerage (connection refused, DNS,
// timeout). Transport errors are retryable by caller policy.
type TransportError struct {
	Op  Operation
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError represents a rejection from the brokerage: the request reached
// the API and was answered with a non-2xx status. The remote message is
// surfaced verbatim and never cached.
type APIError struct {
	Op         Operation
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("api error on %s (status %d): %s", e.Op, e.StatusCode, e.Message)
}

// IsRetryable reports whether an error is worth retrying under caller
// policy: transport failures and 5xx/429 responses. Other API errors
// (invalid symbol, insufficient funds) are deterministic rejections.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode >= 500 || ae.StatusCode == 429
	}
	return false
}
