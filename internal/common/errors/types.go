// Package errors defines the structured error type shared by the router's
// configuration, transport and listener layers.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType classifies an AppError.
type ErrorType string

const (
	ErrTypeConnection  ErrorType = "connection"
	ErrTypeValidation  ErrorType = "validation"
	ErrTypeConfig      ErrorType = "config"
	ErrTypeInternal    ErrorType = "internal"
	ErrTypeTimeout     ErrorType = "timeout"
	ErrTypeUnsupported ErrorType = "unsupported"
)

// AppError is a classified error with an optional cause and context.
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		kv := make([]string, len(keys))
		for i, k := range keys {
			kv[i] = fmt.Sprintf("%s=%v", k, e.Context[k])
		}
		parts = append(parts, "context={"+strings.Join(kv, ", ")+"}")
	}

	return strings.Join(parts, ": ")
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext records a key/value pair on the error and returns it.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause sets the underlying cause and returns the error.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func ConnectionError(msg string, cause error) *AppError {
	return &AppError{Type: ErrTypeConnection, Message: msg, Cause: cause}
}

func ValidationError(msg string) *AppError {
	return &AppError{Type: ErrTypeValidation, Message: msg}
}

// ConfigError reports an invalid routing or process configuration.
func ConfigError(msg string) *AppError {
	return &AppError{Type: ErrTypeConfig, Message: msg}
}

// ConfigErrorf is ConfigError with formatting.
func ConfigErrorf(format string, args ...interface{}) *AppError {
	return ConfigError(fmt.Sprintf(format, args...))
}

func InternalError(msg string, cause error) *AppError {
	return &AppError{Type: ErrTypeInternal, Message: msg, Cause: cause}
}

func TimeoutError(operation string) *AppError {
	return &AppError{Type: ErrTypeTimeout, Message: "timeout during " + operation}
}

// UnsupportedError reports an operation a component does not provide.
func UnsupportedError(operation string) *AppError {
	return &AppError{Type: ErrTypeUnsupported, Message: operation + " is not supported"}
}

// IsType reports whether any AppError in err's chain has the given type.
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	for err != nil {
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Type == errType {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// GetType returns the type of the outermost AppError in err's chain, or
// ErrTypeInternal for any other non-nil error.
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrTypeInternal
}
