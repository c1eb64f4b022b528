package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrTypeValidation         ErrorType = "VALIDATION"
	ErrTypeFit                ErrorType = "FIT"
	ErrTypeDegenerateInput    ErrorType = "DEGENERATE_INPUT"
	ErrTypeConfig             ErrorType = "CONFIG"
	ErrTypeInvariantViolation ErrorType = "INVARIANT_VIOLATION"
	ErrTypeConvergence        ErrorType = "CONVERGENCE"
	ErrTypeParsing            ErrorType = "PARSING"
	ErrTypeStorage            ErrorType = "STORAGE"
)

// AppError represents an application-specific error raised by one pipeline stage
type AppError struct {
	Type    ErrorType
	Stage   string
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := e.Message
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, msg)
}

// Unwrap allows errors.Is and errors.As to work with AppError
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError of the same type.
// A target with an empty Stage matches any stage.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	if t.Type != e.Type {
		return false
	}
	return t.Stage == "" || t.Stage == e.Stage
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, stage, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Stage:   stage,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Helper functions for common error types

// NewValidationError creates an error for malformed or negative input data
func NewValidationError(stage, message string) *AppError {
	return NewAppError(ErrTypeValidation, stage, message, nil)
}

// NewFitError creates an error for an under-determined or one-sided fit
func NewFitError(stage, message string) *AppError {
	return NewAppError(ErrTypeFit, stage, message, nil)
}

// NewDegenerateInputError creates an error for a zero normalization denominator
func NewDegenerateInputError(stage, message string) *AppError {
	return NewAppError(ErrTypeDegenerateInput, stage, message, nil)
}

// NewConfigError creates a configuration error
func NewConfigError(stage, message string, cause error) *AppError {
	return NewAppError(ErrTypeConfig, stage, message, cause)
}

// NewInvariantViolationError creates an error for a broken internal invariant.
// These are always fatal.
func NewInvariantViolationError(stage, message string) *AppError {
	return NewAppError(ErrTypeInvariantViolation, stage, message, nil)
}

// NewConvergenceError creates an error for a bounded procedure that hit its cap
func NewConvergenceError(stage, message string) *AppError {
	return NewAppError(ErrTypeConvergence, stage, message, nil)
}

// NewParsingError creates a parsing-related error
func NewParsingError(message string, cause error) *AppError {
	return NewAppError(ErrTypeParsing, "", message, cause)
}

// NewStorageError creates a storage-related error
func NewStorageError(message string, cause error) *AppError {
	return NewAppError(ErrTypeStorage, "", message, cause)
}

// TypeOf returns the ErrorType of the first AppError in err's chain, or "" if none
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

// StageOf returns the stage of the first AppError in err's chain, or "" if none
func StageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Stage
	}
	return ""
}

// IsType reports whether err wraps an AppError of the given type
func IsType(err error, errType ErrorType) bool {
	return TypeOf(err) == errType
}
