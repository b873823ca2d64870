// Package errors provides the structured error taxonomy shared by every b2fs layer.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies one case of the error taxonomy.
type ErrorCode string

const (
	// Remote request errors
	ErrCodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
	ErrCodeAuthExpired          ErrorCode = "AUTH_EXPIRED"
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeForbidden            ErrorCode = "FORBIDDEN"
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"
	ErrCodeTimeout              ErrorCode = "TIMEOUT"
	ErrCodeRangeNotSatisfiable  ErrorCode = "RANGE_NOT_SATISFIABLE"
	ErrCodeRateLimited          ErrorCode = "RATE_LIMITED"
	ErrCodeServerError          ErrorCode = "SERVER_ERROR"

	// Transport and contract errors
	ErrCodeTransportFailure ErrorCode = "TRANSPORT_FAILURE"
	ErrCodeDecodeFailure    ErrorCode = "DECODE_FAILURE"

	// Local resource errors
	ErrCodeLocalIO      ErrorCode = "LOCAL_IO"
	ErrCodeStagingDirty ErrorCode = "STAGING_DIRTY"

	// Filesystem semantic errors
	ErrCodeUnsupported      ErrorCode = "UNSUPPORTED"
	ErrCodeNotDirectory     ErrorCode = "NOT_DIRECTORY"
	ErrCodeIsDirectory      ErrorCode = "IS_DIRECTORY"
	ErrCodeNotEmpty         ErrorCode = "NOT_EMPTY"
	ErrCodeExists           ErrorCode = "EXISTS"
	ErrCodeRenameIncomplete ErrorCode = "RENAME_INCOMPLETE"
	ErrCodeInvalidHandle    ErrorCode = "INVALID_HANDLE"

	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
)

// ErrorCategory groups codes by origin.
type ErrorCategory string

const (
	CategoryTransport     ErrorCategory = "transport"
	CategoryAuthorization ErrorCategory = "authorization"
	CategoryClient        ErrorCategory = "client-request"
	CategoryThrottle      ErrorCategory = "throttle"
	CategoryServer        ErrorCategory = "server"
	CategoryDecode        ErrorCategory = "decode"
	CategoryLocal         ErrorCategory = "local-resource"
	CategoryFilesystem    ErrorCategory = "filesystem"
	CategoryConfiguration ErrorCategory = "configuration"
)

// Error is a classified b2fs error with context for logging.
type Error struct {
	Code     ErrorCode         `json:"code"`
	Category ErrorCategory     `json:"category"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
	Cause    error             `json:"-"`

	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
	RequestID string    `json:"request_id,omitempty"`

	// RemoteCode is the service's own error identifier, e.g. "expired_auth_token".
	RemoteCode string `json:"remote_code,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`

	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// IsRetryable reports whether the failure is transient.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// IsAuthExpired reports whether the session token needs a refresh.
func (e *Error) IsAuthExpired() bool {
	return e.Code == ErrCodeAuthExpired
}

// String returns a detailed representation for logging.
func (e *Error) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.RequestID != "" {
		parts = append(parts, fmt.Sprintf("RequestID=%s", e.RequestID))
	}
	if e.HTTPStatus != 0 {
		parts = append(parts, fmt.Sprintf("HTTPStatus=%d", e.HTTPStatus))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *Error) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates an error with the defaults of its code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf is NewError with formatting.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap classifies cause under code.
func Wrap(code ErrorCode, cause error, message string) *Error {
	return NewError(code, message).WithCause(cause)
}

// GetCategory maps a code to its category.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeTransportFailure, ErrCodeTimeout:
		return CategoryTransport
	case ErrCodeAuthExpired, ErrCodeAuthenticationFailed:
		return CategoryAuthorization
	case ErrCodeInvalidRequest, ErrCodeForbidden, ErrCodeNotFound, ErrCodeRangeNotSatisfiable:
		return CategoryClient
	case ErrCodeRateLimited:
		return CategoryThrottle
	case ErrCodeServerError:
		return CategoryServer
	case ErrCodeDecodeFailure:
		return CategoryDecode
	case ErrCodeLocalIO, ErrCodeStagingDirty:
		return CategoryLocal
	case ErrCodeInvalidConfig:
		return CategoryConfiguration
	default:
		return CategoryFilesystem
	}
}

// IsRetryableByDefault reports whether a code is transient unless overridden.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeTimeout, ErrCodeRateLimited, ErrCodeServerError, ErrCodeTransportFailure:
		return true
	}
	return false
}

// GetDefaultHTTPStatus returns the status a code is usually produced by.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidRequest:       400,
		ErrCodeAuthExpired:          401,
		ErrCodeAuthenticationFailed: 401,
		ErrCodeForbidden:            403,
		ErrCodeNotFound:             404,
		ErrCodeTimeout:              408,
		ErrCodeExists:               409,
		ErrCodeRangeNotSatisfiable:  416,
		ErrCodeRateLimited:          429,
		ErrCodeServerError:          500,
	}
	if status, ok := statusMap[code]; ok {
		return status
	}
	return 0
}

// WithContext adds contextual information to an error.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRequestID tags the error with the dispatching request.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// As extracts the *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, or "" for unclassified errors.
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.IsRetryable()
	}
	return false
}

// IsAuthExpired reports whether err asks for a session refresh.
func IsAuthExpired(err error) bool {
	if e, ok := As(err); ok {
		return e.IsAuthExpired()
	}
	return false
}

// RetryAfter returns the server's suggested delay, if any.
func RetryAfter(err error) time.Duration {
	if e, ok := As(err); ok {
		return e.RetryAfter
	}
	return 0
}
