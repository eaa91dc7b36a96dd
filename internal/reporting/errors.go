package reporting

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrRetryExhausted is returned when every attempt of a call failed with a
// retryable error.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// ErrorClass classifies a failed API call.
type ErrorClass string

const (
	ErrorClassClient    ErrorClass = "client"
	ErrorClassServer    ErrorClass = "server"
	ErrorClassRateLimit ErrorClass = "rate_limit"
	ErrorClassNetwork   ErrorClass = "network"
)

// APIError is a non-2xx response from the reporting API.
type APIError struct {
	StatusCode int
	Class      ErrorClass
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reporting API %s error (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("reporting API %s error (status %d): %s", e.Class, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// retryableStatus mirrors the statuses the API documents as transient.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
		return true
	}
	return false
}
