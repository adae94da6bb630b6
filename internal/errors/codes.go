package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for location operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument      ErrorCode = 1000
	ErrCodeNotInitialized       ErrorCode = 1001
	ErrCodeInvalidConfiguration ErrorCode = 1002
	ErrCodeCancelled            ErrorCode = 1003

	// Infrastructure errors
	ErrCodeInternal         ErrorCode = 2000
	ErrCodeUnavailable      ErrorCode = 2001
	ErrCodeCorruptedIndex   ErrorCode = 2002
	ErrCodeCheckpointFailed ErrorCode = 2003
	ErrCodeInsufficientDisk ErrorCode = 2004
)

// LocationError represents a structured error with code and context
type LocationError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *LocationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *LocationError) Unwrap() error {
	return e.Cause
}

// GRPCCode maps the error code onto a gRPC status code
func (e *LocationError) GRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeNotInitialized:
		return codes.FailedPrecondition
	case ErrCodeInvalidConfiguration:
		return codes.FailedPrecondition
	case ErrCodeCancelled:
		return codes.Canceled
	case ErrCodeUnavailable:
		return codes.Unavailable
	case ErrCodeCorruptedIndex:
		return codes.DataLoss
	case ErrCodeInsufficientDisk:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// ToGRPCStatus converts LocationError to gRPC status
func (e *LocationError) ToGRPCStatus() *status.Status {
	return status.New(e.GRPCCode(), e.Error())
}

// HTTPStatus maps the error code onto an HTTP status for the admin surface
func (e *LocationError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotInitialized, ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeCancelled:
		return 499
	case ErrCodeInsufficientDisk:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// NewLocationError creates a new LocationError
func NewLocationError(code ErrorCode, message string, cause error) *LocationError {
	return &LocationError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *LocationError) WithDetail(key string, value interface{}) *LocationError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *LocationError {
	return NewLocationError(ErrCodeInvalidArgument, message, cause)
}

func NotInitialized(operation string) *LocationError {
	return NewLocationError(ErrCodeNotInitialized, fmt.Sprintf("location store is not yet initialized: %s", operation), nil).
		WithDetail("operation", operation)
}

func InvalidConfiguration(field, reason string) *LocationError {
	return NewLocationError(ErrCodeInvalidConfiguration, fmt.Sprintf("invalid configuration %s: %s", field, reason), nil).
		WithDetail("field", field)
}

func Cancelled(cause error) *LocationError {
	return NewLocationError(ErrCodeCancelled, "operation cancelled", cause)
}

func Unavailable(message string, cause error) *LocationError {
	return NewLocationError(ErrCodeUnavailable, message, cause)
}

func CorruptedIndex(message string, cause error) *LocationError {
	return NewLocationError(ErrCodeCorruptedIndex, message, cause)
}

func CheckpointFailed(message string, cause error) *LocationError {
	return NewLocationError(ErrCodeCheckpointFailed, message, cause)
}

func InsufficientDisk(message string) *LocationError {
	return NewLocationError(ErrCodeInsufficientDisk, message, nil)
}

func InternalError(message string, cause error) *LocationError {
	return NewLocationError(ErrCodeInternal, message, cause)
}

// FromContext wraps a context error as Cancelled, or returns nil when ctx is live
func FromContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Cancelled(err)
	}
	return nil
}

// IsLocationError checks if an error is a LocationError
func IsLocationError(err error) bool {
	var le *LocationError
	return stderrors.As(err, &le)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var le *LocationError
	if stderrors.As(err, &le) {
		return le.Code
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return ErrCodeCancelled
	}
	return ErrCodeInternal
}

// IsCancelled reports whether err represents cancellation rather than failure
func IsCancelled(err error) bool {
	return GetCode(err) == ErrCodeCancelled
}

// HTTPStatus returns the HTTP status for any error
func HTTPStatus(err error) int {
	var le *LocationError
	if stderrors.As(err, &le) {
		return le.HTTPStatus()
	}
	if IsCancelled(err) {
		return 499
	}
	return http.StatusInternalServerError
}
