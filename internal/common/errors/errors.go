// Package errors provides structured application errors with stable codes
// that map onto the JSON-RPC error surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	v1 "github.com/confab/confab/pkg/api/v1"
)

// Stable error codes surfaced to clients, re-exported from the wire package.
const (
	CodeConversationNotFound = v1.CodeConversationNotFound
	CodeConversationClosed   = v1.CodeConversationClosed
	CodeTurnClosed           = v1.CodeTurnClosed
	CodeNoOpenTurn           = v1.CodeNoOpenTurn
	CodeInvalidFinality      = v1.CodeInvalidFinality
	CodeIdempotentReplay     = v1.CodeIdempotentReplay
	CodeClaimContended       = v1.CodeClaimContended
	CodeSubscriberOverrun    = v1.CodeSubscriberOverrun
	CodeTransportDisconnect  = v1.CodeTransportDisconnect
	CodeNotFound             = v1.CodeNotFound
	CodeValidation           = v1.CodeValidation
	CodeInternal             = v1.CodeInternal
)

// AppError is an application error carrying a stable code and an HTTP status
// for the REST surface.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with an explicit code and HTTP status.
func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// ConversationNotFound reports an unknown conversation id.
func ConversationNotFound(conversation int64) *AppError {
	return &AppError{
		Code:       CodeConversationNotFound,
		Message:    fmt.Sprintf("conversation %d not found", conversation),
		HTTPStatus: http.StatusNotFound,
	}
}

// ConversationClosed reports a write against a completed conversation.
func ConversationClosed(conversation int64) *AppError {
	return &AppError{
		Code:       CodeConversationClosed,
		Message:    fmt.Sprintf("conversation %d is completed", conversation),
		HTTPStatus: http.StatusConflict,
	}
}

// TurnClosed reports an append into a turn that is already closed.
func TurnClosed(conversation int64, turn int) *AppError {
	return &AppError{
		Code:       CodeTurnClosed,
		Message:    fmt.Sprintf("turn %d of conversation %d is closed", turn, conversation),
		HTTPStatus: http.StatusConflict,
	}
}

// NoOpenTurn reports a trace append when no turn is open.
func NoOpenTurn(conversation int64) *AppError {
	return &AppError{
		Code:       CodeNoOpenTurn,
		Message:    fmt.Sprintf("conversation %d has no open turn", conversation),
		HTTPStatus: http.StatusConflict,
	}
}

// InvalidFinality reports a non-message event carrying finality.
func InvalidFinality(eventType string) *AppError {
	return &AppError{
		Code:       CodeInvalidFinality,
		Message:    fmt.Sprintf("%s events cannot carry finality", eventType),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ClaimContended reports a turn claim lost to another agent.
func ClaimContended(conversation, guidanceSeq int64, holder string) *AppError {
	return &AppError{
		Code:       CodeClaimContended,
		Message:    fmt.Sprintf("guidance %d of conversation %d is claimed by %s", guidanceSeq, conversation, holder),
		HTTPStatus: http.StatusConflict,
	}
}

// NotFound reports a missing resource other than a conversation.
func NotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message, HTTPStatus: http.StatusNotFound}
}

// Validation reports malformed input.
func Validation(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message, HTTPStatus: http.StatusBadRequest}
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Wrap attaches context to an error. If err is already an AppError its code
// and status are preserved.
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return Internal(message, err)
}

// CodeOf returns the stable code of err, or CodeInternal for plain errors.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given stable code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// HTTPStatusOf returns the HTTP status for err, defaulting to 500.
func HTTPStatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
