package models

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeFileTooLarge          ErrorCode = "FileTooLarge"
	CodeUnsupportedExtension  ErrorCode = "UnsupportedExtension"
	CodeMimeMismatch          ErrorCode = "MimeMismatch"
	CodeCorruptImage          ErrorCode = "CorruptImage"
	CodeNotOwner              ErrorCode = "NotOwner"
	CodeCategoryLimitExceeded ErrorCode = "CategoryLimitExceeded"
	CodeInvalidReorderSet     ErrorCode = "InvalidReorderSet"
	CodeNotFound              ErrorCode = "NotFound"
	CodeInvalidTransition     ErrorCode = "InvalidTransition"
	CodeDecodeFailure         ErrorCode = "DecodeFailure"
	CodeEncodeFailure         ErrorCode = "EncodeFailure"
	CodeStorageUnavailable    ErrorCode = "StorageUnavailable"
	CodeInternal              ErrorCode = "Internal"

	// Raised by the HTTP layer only.
	CodeBadRequest   ErrorCode = "BadRequest"
	CodeUnauthorized ErrorCode = "Unauthorized"
	CodeForbidden    ErrorCode = "Forbidden"
)

// Error is the structured failure returned by every public pipeline operation.
type Error struct {
	Code      ErrorCode
	Message   string
	Details   map[string]any
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorBody is the public JSON shape of an error. The wrapped cause never
// leaves the process.
type ErrorBody struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable"`
}

// ErrorEnvelope is the response document for every failed request.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

func (e *Error) Envelope() ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorBody{
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
		Retryable: e.Retryable,
	}}
}

// ClientError reports whether the failure was caused by the caller's input.
func (e *Error) ClientError() bool {
	switch e.Code {
	case CodeStorageUnavailable, CodeInternal:
		return false
	default:
		return true
	}
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

func NewNotFoundError(resource string, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %s not found", resource, id),
		Details: map[string]any{"id": id},
	}
}

func NewStorageError(err error, retryable bool) *Error {
	return &Error{
		Code:      CodeStorageUnavailable,
		Message:   "object storage unavailable",
		Retryable: retryable,
		Err:       err,
	}
}

func NewInternalError(err error) *Error {
	return &Error{
		Code:      CodeInternal,
		Message:   "internal server error",
		Retryable: true,
		Err:       err,
	}
}

// AsError extracts a *Error from err, converting unknown failures to Internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternalError(err)
}

func HasCode(err error, code ErrorCode) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}
