package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"

	// Call lifecycle errors
	ErrCodeSessionCreate     ErrorCode = "SESSION_CREATE_ERROR"
	ErrCodeNegotiation       ErrorCode = "NEGOTIATION_ERROR"
	ErrCodeSignalDelivery    ErrorCode = "SIGNAL_DELIVERY_ERROR"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyTerminal   ErrorCode = "ALREADY_TERMINAL"
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeBusy              ErrorCode = "CALL_BUSY"
	ErrCodeNoActiveCall      ErrorCode = "NO_ACTIVE_CALL"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeStopped           ErrorCode = "COORDINATOR_STOPPED"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// Sentinels for errors.Is matching on code.
var (
	ErrSessionCreate     = &AppError{Code: ErrCodeSessionCreate}
	ErrNegotiation       = &AppError{Code: ErrCodeNegotiation}
	ErrSignalDelivery    = &AppError{Code: ErrCodeSignalDelivery}
	ErrNotFound          = &AppError{Code: ErrCodeNotFound}
	ErrAlreadyTerminal   = &AppError{Code: ErrCodeAlreadyTerminal}
	ErrConnectionFailed  = &AppError{Code: ErrCodeConnectionFailed}
	ErrBusy              = &AppError{Code: ErrCodeBusy}
	ErrNoActiveCall      = &AppError{Code: ErrCodeNoActiveCall}
	ErrInvalidTransition = &AppError{Code: ErrCodeInvalidTransition}
	ErrStopped           = &AppError{Code: ErrCodeStopped}
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	// SessionID is the call session the error belongs to, if any
	SessionID string `json:"session_id,omitempty"`
	// Fatal is set when the error drove the session to a terminal status
	Fatal bool  `json:"fatal"`
	Err   error `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new AppError with the given code and message
// The status code is derived from the code
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusFor(code),
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusFor(code),
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// WithSession tags the error with the session it belongs to
func (e *AppError) WithSession(sessionID string) *AppError {
	e.SessionID = sessionID
	return e
}

// AsFatal marks the error as having terminated the session
func (e *AppError) AsFatal() *AppError {
	e.Fatal = true
	return e
}

func statusFor(code ErrorCode) int {
	switch code {
	case ErrCodeValidation, ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound, ErrCodeNoActiveCall:
		return http.StatusNotFound
	case ErrCodeAlreadyTerminal, ErrCodeBusy, ErrCodeInvalidTransition:
		return http.StatusConflict
	case ErrCodeNegotiation, ErrCodeConnectionFailed:
		return http.StatusBadGateway
	case ErrCodeSessionCreate, ErrCodeSignalDelivery, ErrCodeServiceUnavail, ErrCodeStopped:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Validation errors
func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

// Authorization errors
func ForbiddenError(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

// Call errors
func SessionCreateError(err error) *AppError {
	return Wrap(ErrCodeSessionCreate, "Failed to create call session", err)
}

func NegotiationError(message string, err error) *AppError {
	return Wrap(ErrCodeNegotiation, message, err)
}

func SignalDeliveryError(message string, err error) *AppError {
	return Wrap(ErrCodeSignalDelivery, message, err)
}

func NotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func AlreadyTerminalError(sessionID string) *AppError {
	return New(ErrCodeAlreadyTerminal, "Call session already resolved").WithSession(sessionID)
}

func ConnectionFailedError(sessionID string) *AppError {
	return New(ErrCodeConnectionFailed, "Media connection failed").WithSession(sessionID)
}

func BusyError(activeSessionID string) *AppError {
	return New(ErrCodeBusy, "Another call is in progress").WithSession(activeSessionID)
}

func NoActiveCallError() *AppError {
	return New(ErrCodeNoActiveCall, "No active call")
}

func InvalidTransitionError(from, to string) *AppError {
	return New(ErrCodeInvalidTransition, fmt.Sprintf("cannot move call from %s to %s", from, to))
}

func StoppedError() *AppError {
	return New(ErrCodeStopped, "Call coordinator is not running")
}

// Internal errors
func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func ServiceUnavailableError(message string, err error) *AppError {
	return Wrap(ErrCodeServiceUnavail, message, err)
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrCodeInternal, err.Error(), err)
}
