package credentials

import (
	"errors"
	"fmt"
	"strings"
)

// CredentialErrorType represents different categories of credential errors
type CredentialErrorType string

const (
	// Constructor errors
	ErrorTypeInvalidArgument CredentialErrorType = "invalid_argument"
	ErrorTypeCreationFailed  CredentialErrorType = "credential_creation_failed"

	// Lifecycle errors
	ErrorTypeIllegalReinitialization CredentialErrorType = "illegal_reinitialization"
	ErrorTypeOwnerClosed             CredentialErrorType = "owner_closed"

	// Composition errors
	ErrorTypeCompositionFailed CredentialErrorType = "composition_failed"

	// Verification errors. A callback fault never reaches the provider or a
	// handshake caller; the type exists for logs and metrics only.
	ErrorTypeCallbackFault CredentialErrorType = "callback_fault"

	// Provider boundary errors
	ErrorTypeProviderFailure CredentialErrorType = "provider_failure"
)

// CredentialError represents a structured credential error with context
type CredentialError struct {
	Type        CredentialErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Suggestions []string
}

// Error implements the error interface
func (e *CredentialError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", string(e.Type)))
	parts = append(parts, e.Message)

	if len(e.Context) > 0 {
		var contextParts []string
		for key, value := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", key, value))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying error for error unwrapping
func (e *CredentialError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *CredentialError) WithContext(key string, value interface{}) *CredentialError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for resolving the error
func (e *CredentialError) WithSuggestion(suggestion string) *CredentialError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// NewCredentialError creates a new credential error with the specified type and message
func NewCredentialError(errorType CredentialErrorType, message string) *CredentialError {
	return &CredentialError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewCredentialErrorWithCause creates a new credential error with an underlying cause
func NewCredentialErrorWithCause(errorType CredentialErrorType, message string, cause error) *CredentialError {
	return &CredentialError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Constructor error helpers

func NewInvalidArgumentError(field, reason string) *CredentialError {
	return NewCredentialError(ErrorTypeInvalidArgument, fmt.Sprintf("invalid argument '%s': %s", field, reason)).
		WithContext("field", field).
		WithSuggestion(fmt.Sprintf("Check the '%s' value passed to the constructor", field))
}

func NewCreationFailedError(cause error) *CredentialError {
	return NewCredentialErrorWithCause(ErrorTypeCreationFailed, "provider could not create credentials", cause).
		WithSuggestion("Verify the PEM material is well formed").
		WithSuggestion("Check that the private key matches the certificate chain")
}

func NewCompositionFailedError(step int, cause error) *CredentialError {
	return NewCredentialErrorWithCause(ErrorTypeCompositionFailed, "failed to compose channel and call credentials", cause).
		WithContext("step", step).
		WithSuggestion("Check that every call credential is valid and unreleased")
}

func NewIllegalReinitializationError(operation string) *CredentialError {
	return NewCredentialError(ErrorTypeIllegalReinitialization, "credentials are already initialized and cannot be reinitialized or copied").
		WithContext("operation", operation).
		WithSuggestion("Construct a new ChannelCredentials instead of reusing this one")
}

func NewOwnerClosedError() *CredentialError {
	return NewCredentialError(ErrorTypeOwnerClosed, "credentials have been released").
		WithSuggestion("Do not use a ChannelCredentials after Close")
}

// Error classification helpers

func IsInvalidArgument(err error) bool {
	return hasErrorType(err, ErrorTypeInvalidArgument)
}

func IsCreationFailed(err error) bool {
	return hasErrorType(err, ErrorTypeCreationFailed)
}

func IsCompositionFailed(err error) bool {
	return hasErrorType(err, ErrorTypeCompositionFailed)
}

func IsIllegalReinitialization(err error) bool {
	return hasErrorType(err, ErrorTypeIllegalReinitialization)
}

func IsOwnerClosed(err error) bool {
	return hasErrorType(err, ErrorTypeOwnerClosed)
}

func hasErrorType(err error, errorType CredentialErrorType) bool {
	var credErr *CredentialError
	if errors.As(err, &credErr) {
		return credErr.Type == errorType
	}
	return false
}
