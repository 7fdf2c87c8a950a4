// Package response writes the JSON envelope every call-agent endpoint returns.
package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "secureconnect-callcore/pkg/errors"
)

// Response is the API envelope
type Response struct {
	Success bool         `json:"success"`
	Data    interface{}  `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Meta    Meta         `json:"meta"`
}

// ErrorDetail carries the machine code of a failure, e.g. CALL_BUSY
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// Meta contains response metadata
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func write(c *gin.Context, status int, data interface{}, detail *ErrorDetail) {
	c.JSON(status, Response{
		Success: detail == nil,
		Data:    data,
		Error:   detail,
		Meta:    Meta{Timestamp: time.Now().UTC(), RequestID: c.GetString("request_id")},
	})
}

// Success sends data with the given status
func Success(c *gin.Context, statusCode int, data interface{}) {
	write(c, statusCode, data, nil)
}

// Error sends an error envelope
func Error(c *gin.Context, statusCode int, code, message string) {
	write(c, statusCode, nil, &ErrorDetail{Code: code, Message: message})
}

// FromError renders err. AppErrors keep their code and status; anything else
// becomes a 500 without leaking its text.
func FromError(c *gin.Context, err error) {
	if !apperrors.IsAppError(err) {
		InternalError(c, "Internal server error")
		return
	}
	appErr := apperrors.GetAppError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	write(c, status, nil, &ErrorDetail{
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		SessionID: appErr.SessionID,
		Details:   appErr.Details,
	})
}

// ValidationError sends 400
func ValidationError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, string(apperrors.ErrCodeValidation), message)
}

// Unauthorized sends 401
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, string(apperrors.ErrCodeUnauthorized), message)
}

// Forbidden sends 403
func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, string(apperrors.ErrCodeForbidden), message)
}

// NotFound sends 404
func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, string(apperrors.ErrCodeNotFound), message)
}

// InternalError sends 500
func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, string(apperrors.ErrCodeInternal), message)
}
