// Package apperrors defines the service error taxonomy and its HTTP mapping.
//
// Client input errors (bad extension, bad task, unknown model, oversized
// payload, bad token) map to 4xx. Resource errors (model construction,
// transcription engine, scratch I/O) map to 5xx.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeMissingFile          Code = "MISSING_FILE"
	CodeUnsupportedExtension Code = "UNSUPPORTED_EXTENSION"
	CodePayloadTooLarge      Code = "PAYLOAD_TOO_LARGE"
	CodeInvalidTask          Code = "INVALID_TASK"
	CodeInvalidInput         Code = "INVALID_INPUT"
	CodeUnknownModel         Code = "UNKNOWN_MODEL"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeModelLoadFailed      Code = "MODEL_LOAD_FAILED"
	CodeTranscriptionFailed  Code = "TRANSCRIPTION_FAILED"
	CodeScratchFailed        Code = "SCRATCH_FAILED"
	CodeServiceBusy          Code = "SERVICE_BUSY"
	CodeShuttingDown         Code = "SHUTTING_DOWN"
	CodeClientClosed         Code = "CLIENT_CLOSED_REQUEST"
	CodeInternal             Code = "INTERNAL"
)

// Error is the unified application error.
type Error struct {
	Code       Code           `json:"code"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail sets a single detail key and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// IsClientError reports whether the error is caused by the caller's input.
func (e *Error) IsClientError() bool {
	return e.HTTPStatus >= 400 && e.HTTPStatus < 500
}

// New creates an Error.
func New(code Code, message string, httpStatus int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus}
}

// --- client input errors ---

func MissingFile() *Error {
	return New(CodeMissingFile, "the multipart field 'file' is required", http.StatusBadRequest).
		WithDetail("field", "file")
}

func UnsupportedExtension(ext string, allowed []string) *Error {
	return New(CodeUnsupportedExtension,
		fmt.Sprintf("unsupported file format %q; accepted formats: %s", ext, strings.Join(allowed, ", ")),
		http.StatusBadRequest).
		WithDetail("field", "file").
		WithDetail("accepted", allowed)
}

func PayloadTooLarge(size, limit int64) *Error {
	return New(CodePayloadTooLarge,
		fmt.Sprintf("file is %d bytes; the limit is %d bytes", size, limit),
		http.StatusRequestEntityTooLarge).
		WithDetail("field", "file").
		WithDetail("limit", limit)
}

func InvalidTask(task string, accepted []string) *Error {
	return New(CodeInvalidTask,
		fmt.Sprintf("invalid task %q; accepted values: %s", task, strings.Join(accepted, ", ")),
		http.StatusBadRequest).
		WithDetail("field", "task").
		WithDetail("accepted", accepted)
}

func InvalidInput(field, reason string) *Error {
	return New(CodeInvalidInput, fmt.Sprintf("invalid %s: %s", field, reason), http.StatusBadRequest).
		WithDetail("field", field)
}

func UnknownModel(id string, available []string) *Error {
	return New(CodeUnknownModel,
		fmt.Sprintf("model %q is not available; choose one of: %s", id, strings.Join(available, ", ")),
		http.StatusBadRequest).
		WithDetail("field", "model").
		WithDetail("accepted", available)
}

func Unauthorized(message string) *Error {
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

// --- resource errors ---

func ModelLoadFailed(id string, cause error) *Error {
	return New(CodeModelLoadFailed, fmt.Sprintf("failed to load model %s", id), http.StatusInternalServerError).
		WithDetail("model", id).
		WithCause(cause)
}

func TranscriptionFailed(cause error) *Error {
	return New(CodeTranscriptionFailed, "transcription failed", http.StatusInternalServerError).
		WithCause(cause)
}

func ScratchFailed(op string, cause error) *Error {
	return New(CodeScratchFailed, fmt.Sprintf("scratch %s failed", op), http.StatusInternalServerError).
		WithDetail("operation", op).
		WithCause(cause)
}

func ServiceBusy() *Error {
	return New(CodeServiceBusy, "the transcription queue is full; retry later", http.StatusServiceUnavailable)
}

func ShuttingDown() *Error {
	return New(CodeShuttingDown, "the service is shutting down", http.StatusServiceUnavailable)
}

// StatusClientClosedRequest is the non-standard status for a caller that
// went away before the response was ready.
const StatusClientClosedRequest = 499

func ClientClosed(cause error) *Error {
	return New(CodeClientClosed, "the client closed the request", StatusClientClosedRequest).WithCause(cause)
}

func Internal(cause error) *Error {
	return New(CodeInternal, "internal error", http.StatusInternalServerError).WithCause(cause)
}

// From extracts an *Error from err, wrapping anything else as Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}
