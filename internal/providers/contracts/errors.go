/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package contracts

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeNotFound indicates resource not found
	ErrorTypeNotFound ErrorType = "NotFound"
	// ErrorTypeInvalidSpec indicates the provider rejected the request
	ErrorTypeInvalidSpec ErrorType = "InvalidSpec"
	// ErrorTypeRetryable indicates a transient error
	ErrorTypeRetryable ErrorType = "Retryable"
	// ErrorTypeRateLimited indicates the provider rate limit was hit
	ErrorTypeRateLimited ErrorType = "RateLimited"
	// ErrorTypeUnauthorized indicates authentication/authorization failure
	ErrorTypeUnauthorized ErrorType = "Unauthorized"
	// ErrorTypeConflict indicates the resource is locked or in a conflicting state
	ErrorTypeConflict ErrorType = "Conflict"
	// ErrorTypeInternal indicates an unexpected provider failure
	ErrorTypeInternal ErrorType = "Internal"
)

// ProviderError represents a categorized error from a provider
type ProviderError struct {
	// Type categorizes the error
	Type ErrorType
	// Message describes the error
	Message string
	// StatusCode is the HTTP status returned by the provider API, if any
	StatusCode int
	// Cause contains the underlying error
	Cause error
	// Retryable indicates if the operation should be retried
	Retryable bool
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if the error is retryable
func (e *ProviderError) IsRetryable() bool {
	return e.Retryable || e.Type == ErrorTypeRetryable || e.Type == ErrorTypeRateLimited
}

// NewNotFoundError creates a not found error
func NewNotFoundError(message string, cause error) *ProviderError {
	return &ProviderError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
		Cause:      cause,
	}
}

// NewInvalidSpecError creates an invalid specification error
func NewInvalidSpecError(message string, cause error) *ProviderError {
	return &ProviderError{
		Type:    ErrorTypeInvalidSpec,
		Message: message,
		Cause:   cause,
	}
}

// NewRetryableError creates a retryable error
func NewRetryableError(message string, cause error) *ProviderError {
	return &ProviderError{
		Type:      ErrorTypeRetryable,
		Message:   message,
		Cause:     cause,
		Retryable: true,
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string, cause error) *ProviderError {
	return &ProviderError{
		Type:       ErrorTypeUnauthorized,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
		Cause:      cause,
	}
}

// NewHTTPError categorizes a provider API failure by its HTTP status
func NewHTTPError(statusCode int, message string, cause error) *ProviderError {
	pe := &ProviderError{
		Message:    message,
		StatusCode: statusCode,
		Cause:      cause,
	}

	switch {
	case statusCode == http.StatusNotFound:
		pe.Type = ErrorTypeNotFound
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		pe.Type = ErrorTypeUnauthorized
	case statusCode == http.StatusTooManyRequests:
		pe.Type = ErrorTypeRateLimited
		pe.Retryable = true
	case statusCode == http.StatusConflict || statusCode == http.StatusLocked:
		pe.Type = ErrorTypeConflict
		pe.Retryable = true
	case statusCode >= 500:
		pe.Type = ErrorTypeRetryable
		pe.Retryable = true
	case statusCode >= 400:
		pe.Type = ErrorTypeInvalidSpec
	default:
		pe.Type = ErrorTypeInternal
	}

	return pe
}

// IsNotFound reports whether err is, or wraps, a NotFound provider error
func IsNotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Type == ErrorTypeNotFound
}

// IsRetryable reports whether err is, or wraps, a retryable provider error
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.IsRetryable()
}
