package gentime

import (
	"errors"
	"fmt"
)

// =====================================
// Error Handling
// =====================================

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeValidation           ErrorType = "validation"
	ErrorTypeNotFound             ErrorType = "not_found"
	ErrorTypeDuplicate            ErrorType = "duplicate"
	ErrorTypeConnection           ErrorType = "connection"
	ErrorTypeTimeout              ErrorType = "timeout"
	ErrorTypeConstraint           ErrorType = "constraint"
	ErrorTypeTransaction          ErrorType = "transaction"
	ErrorTypeUnsupported          ErrorType = "unsupported"
	ErrorTypeInternal             ErrorType = "internal"
	ErrorTypeSerialization        ErrorType = "serialization"
	ErrorTypeInvalidArgument      ErrorType = "invalid_argument"
	ErrorTypeDatabase             ErrorType = "database"
	ErrorTypeInvalidConfiguration ErrorType = "invalid_configuration"
	ErrorTypeDirectAssignment     ErrorType = "direct_assignment"
	ErrorTypeConflict             ErrorType = "conflict"
)

// Error is the error type returned by gentime and its adapters
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Code    string
}

// Error implements the error interface
func (e Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an Error of the same type
func (e Error) Is(target error) bool {
	if t, ok := target.(Error); ok {
		return e.Type == t.Type
	}
	return false
}

// NewError creates a new Error
func NewError(errorType ErrorType, message string) Error {
	return Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error with a cause
func NewErrorWithCause(errorType ErrorType, message string, cause error) Error {
	return Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewErrorWithCode creates a new Error with a code
func NewErrorWithCode(errorType ErrorType, message string, code string) Error {
	return Error{
		Type:    errorType,
		Message: message,
		Code:    code,
	}
}

// IsErrorType checks if an error, or any error it wraps, is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Type == errorType
	}
	return false
}

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return IsErrorType(err, ErrorTypeNotFound)
}

// IsDuplicate checks if an error is a "duplicate" error
func IsDuplicate(err error) bool {
	return IsErrorType(err, ErrorTypeDuplicate)
}

// IsInvalidArgument checks if an error is an "invalid argument" error
func IsInvalidArgument(err error) bool {
	return IsErrorType(err, ErrorTypeInvalidArgument)
}

// IsInvalidConfiguration checks if an error was raised while building a mapping
func IsInvalidConfiguration(err error) bool {
	return IsErrorType(err, ErrorTypeInvalidConfiguration)
}

// IsDirectAssignment checks if an error reports an application write to a generated attribute
func IsDirectAssignment(err error) bool {
	return IsErrorType(err, ErrorTypeDirectAssignment)
}

// IsConflict checks if an error reports a stale version
func IsConflict(err error) bool {
	return IsErrorType(err, ErrorTypeConflict)
}

// IsUnsupported checks if an error is an "unsupported" error
func IsUnsupported(err error) bool {
	return IsErrorType(err, ErrorTypeUnsupported)
}

// IsConnection checks if an error is a "connection" error
func IsConnection(err error) bool {
	return IsErrorType(err, ErrorTypeConnection)
}
