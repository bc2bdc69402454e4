// Package apierrors provides a structured error taxonomy shared by every
// use case in the outbox relay: topic registration, agent registration,
// message submission, and acknowledgment intake.
package apierrors

import (
	"fmt"
	"net/http"
)

// Kind represents the category of a use case error.
// Each kind maps to a specific HTTP status code.
type Kind int

const (
	// KindValidation represents input validation failures (missing topic,
	// unknown topic, malformed request). Maps to HTTP 400.
	KindValidation Kind = iota

	// KindBusinessRule represents business rule violations (duplicate topic
	// name, attempt to mutate a terminal outbox record). Maps to HTTP 409.
	KindBusinessRule

	// KindNotFound represents entity-not-found conditions (unknown message
	// on acknowledge, unknown agent). Maps to HTTP 404.
	KindNotFound

	// KindInternal represents unexpected internal errors. Maps to HTTP 500.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindBusinessRule:
		return "BUSINESS_RULE"
	case KindNotFound:
		return "NOT_FOUND"
	case KindInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// HTTPStatus returns the HTTP status code for this error kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindBusinessRule:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// UseCaseError is a structured error suitable for both logging and API
// responses. It is the concrete form of the ValidationError/InvariantViolation
// taxonomy: a terminal-state transition attempt or an unresolvable ack target
// is a KindBusinessRule or KindNotFound UseCaseError, never a bare error.
type UseCaseError struct {
	Kind    Kind           `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *UseCaseError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Kind.String(), e.Code, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *UseCaseError) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// WithDetail adds a detail to the error and returns it for chaining.
func (e *UseCaseError) WithDetail(key string, value any) *UseCaseError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ValidationError creates a validation failure. Maps to HTTP 400.
func ValidationError(code, message string, details map[string]any) *UseCaseError {
	return &UseCaseError{Kind: KindValidation, Code: code, Message: message, Details: details}
}

// BusinessRuleError creates a business rule violation. Maps to HTTP 409.
func BusinessRuleError(code, message string, details map[string]any) *UseCaseError {
	return &UseCaseError{Kind: KindBusinessRule, Code: code, Message: message, Details: details}
}

// NotFoundError creates a not-found error. Maps to HTTP 404.
func NotFoundError(code, message string, details map[string]any) *UseCaseError {
	return &UseCaseError{Kind: KindNotFound, Code: code, Message: message, Details: details}
}

// InternalError creates an unexpected internal error. Maps to HTTP 500.
func InternalError(code, message string, details map[string]any) *UseCaseError {
	return &UseCaseError{Kind: KindInternal, Code: code, Message: message, Details: details}
}

// Common error codes reused across use cases.
const (
	ErrCodeRequired          = "REQUIRED"
	ErrCodeInvalidFormat     = "INVALID_FORMAT"
	ErrCodeUnknownTopic      = "UNKNOWN_TOPIC"
	ErrCodeNoActiveGroups    = "NO_ACTIVE_GROUPS"
	ErrCodeDuplicateCode     = "DUPLICATE_CODE"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeTerminalRecord    = "TERMINAL_RECORD"
	ErrCodeEntityNotFound    = "ENTITY_NOT_FOUND"
	ErrCodeMessageNotFound   = "MESSAGE_NOT_FOUND"
	ErrCodeAgentNotFound     = "AGENT_NOT_FOUND"
	ErrCodeOperationFailed   = "OPERATION_FAILED"
)
