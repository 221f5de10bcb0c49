// Package errors provides structured error handling for portwatch operations.
// It defines error codes and the error types of the watcher's taxonomy:
// configuration errors, scan execution errors, subscriber errors and
// database errors raised by the event log sink.
package errors

import (
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeInternal      ErrorCode = "INTERNAL"

	// Scanning errors.
	CodeHostUnreachable ErrorCode = "HOST_UNREACHABLE"
	CodeScanFailed      ErrorCode = "SCAN_FAILED"
	CodeBackendMissing  ErrorCode = "BACKEND_MISSING"
	CodeTargetInvalid   ErrorCode = "TARGET_INVALID"

	// Delivery errors.
	CodeDeliveryFailed ErrorCode = "DELIVERY_FAILED"
	CodeSubscriberGone ErrorCode = "SUBSCRIBER_GONE"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
)

// ScanError represents a scan execution failure for a single host.
type ScanError struct {
	Code    ErrorCode
	Message string
	Host    string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("[%s] %s (host: %s)", e.Code, e.Message, e.Host)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewScanError creates a new scan error for a host.
func NewScanError(code ErrorCode, message, host string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Host:    host,
		Context: make(map[string]interface{}),
	}
}

// WrapScanError wraps an existing error as a scan error for a host.
func WrapScanError(code ErrorCode, message, host string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Host:    host,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// SubscriberError represents a failed delivery to one update subscriber.
type SubscriberError struct {
	Code       ErrorCode
	Subscriber string
	Host       string
	Attempts   int
	Cause      error
}

// Error implements the error interface.
func (e *SubscriberError) Error() string {
	msg := fmt.Sprintf("[%s] delivery to %s failed", e.Code, e.Subscriber)
	if e.Host != "" {
		msg += fmt.Sprintf(" (host: %s)", e.Host)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *SubscriberError) Unwrap() error {
	return e.Cause
}

// WrapSubscriberError wraps a delivery failure.
func WrapSubscriberError(subscriber, host string, attempts int, err error) *SubscriberError {
	return &SubscriberError{
		Code:       CodeDeliveryFailed,
		Subscriber: subscriber,
		Host:       host,
		Attempts:   attempts,
		Cause:      err,
	}
}

// ErrSubscriberGone reports a subscriber whose endpoint no longer accepts
// updates. Deliveries failing this way are not retried.
func ErrSubscriberGone(subscriber string, err error) *SubscriberError {
	return &SubscriberError{
		Code:       CodeSubscriberGone,
		Subscriber: subscriber,
		Attempts:   1,
		Cause:      err,
	}
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message, operation string, err error) *DatabaseError {
	return &DatabaseError{
		Code:      code,
		Message:   message,
		Operation: operation,
		Cause:     err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
	}
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// InvariantError reports corrupted internal state. It is the only
// error class that should stop the scheduler.
type InvariantError struct {
	Component string
	Message   string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("[%s] %s invariant violated: %s", CodeInternal, e.Component, e.Message)
}

// ErrPoolInvariant creates an invariant error for the worker slot pool.
func ErrPoolInvariant(format string, args ...interface{}) *InvariantError {
	return &InvariantError{Component: "slot pool", Message: fmt.Sprintf(format, args...)}
}

// Utility functions for common error operations

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	switch e := err.(type) {
	case *ScanError:
		return e.Code
	case *SubscriberError:
		return e.Code
	case *DatabaseError:
		return e.Code
	case *ConfigError:
		return e.Code
	case *InvariantError:
		return CodeInternal
	}
	return CodeUnknown
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeDeliveryFailed, CodeDatabaseConnection:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a fatal condition that should stop execution.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfiguration, CodeValidation, CodeInternal:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrScanTimeout creates an error for scan timeouts.
func ErrScanTimeout(host string, err error) *ScanError {
	return WrapScanError(CodeTimeout, "Scan operation timed out", host, err)
}

// ErrScanCanceled creates an error for scans interrupted by shutdown.
func ErrScanCanceled(host string, err error) *ScanError {
	return WrapScanError(CodeCanceled, "Scan operation canceled", host, err)
}

// ErrScanFailed creates an error for backend execution failures.
func ErrScanFailed(host string, err error) *ScanError {
	return WrapScanError(CodeScanFailed, "Scan backend failed", host, err)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
