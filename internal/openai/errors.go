package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorType represents OpenAI API error types.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found_error"
	// ErrorTypeRateLimit indicates rate limiting.
	ErrorTypeRateLimit ErrorType = "rate_limit_error"
	// ErrorTypeAPI indicates a server-side error.
	ErrorTypeAPI ErrorType = "api_error"
)

// ErrorResponse represents an OpenAI API error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody contains the error details.
type ErrorBody struct {
	Message string    `json:"message"`
	Type    ErrorType `json:"type"`
	Param   *string   `json:"param"`
	Code    *string   `json:"code"`
}

// APIError is an error convertible to an OpenAI API error response.
type APIError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Code       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ToResponse converts the error to an OpenAI API error response.
func (e *APIError) ToResponse() *ErrorResponse {
	body := ErrorBody{
		Message: e.Message,
		Type:    e.Type,
	}
	if e.Code != "" {
		code := e.Code
		body.Code = &code
	}
	return &ErrorResponse{Error: body}
}

// WriteError writes the error response to the response writer.
func (e *APIError) WriteError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	_ = json.NewEncoder(w).Encode(e.ToResponse())
}

// NewInvalidRequestError creates a new invalid request error.
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// NewAuthenticationError creates a new authentication error.
func NewAuthenticationError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewNotFoundError creates a new not found error.
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewRateLimitError creates a new rate limit error.
func NewRateLimitError(message string) *APIError {
	return &APIError{
		Type:       ErrorTypeRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
	}
}

// NewAPIStatusError creates a server-side error with an explicit status.
func NewAPIStatusError(statusCode int, message string) *APIError {
	return &APIError{
		Type:       ErrorTypeAPI,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewBadGatewayError wraps an exhausted-upstream failure.
func NewBadGatewayError(message string) *APIError {
	return NewAPIStatusError(http.StatusBadGateway, message)
}

// NewGatewayTimeoutError wraps a first-token timeout.
func NewGatewayTimeoutError(message string) *APIError {
	return NewAPIStatusError(http.StatusGatewayTimeout, message)
}

// ErrNoHealthyAccounts is returned when no account can serve a request.
var ErrNoHealthyAccounts = NewAPIStatusError(http.StatusServiceUnavailable, "No healthy accounts available")
