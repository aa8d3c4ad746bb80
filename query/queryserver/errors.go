// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package queryserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/muralsearch/mural/pkg/auth"
	"github.com/muralsearch/mural/query/generate"
	"github.com/muralsearch/mural/query/shape"
	"github.com/muralsearch/mural/query/snapshot"
)

// Error codes carried in the response envelope.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeTaskNotFound     = "TASK_NOT_FOUND"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeTimeout          = "TIMEOUT"
	CodeUnsupportedMode  = "UNSUPPORTED_MODE"
	CodeSnapshotNotReady = "SNAPSHOT_NOT_READY"
	CodeSnapshotShifted  = "SNAPSHOT_SHIFTED"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorResponse is the typed error envelope. It implements error so
// handlers can return it through normal error paths and have the HTTP
// layer unwrap it.
type ErrorResponse struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`

	status int
}

// Error implements error.
func (e *ErrorResponse) Error() string { return e.Code + ": " + e.Message }

// Status returns the HTTP status the envelope maps to.
func (e *ErrorResponse) Status() int { return e.status }

func errValidation(message string) *ErrorResponse {
	return &ErrorResponse{Code: CodeValidation, Message: message, status: http.StatusBadRequest}
}

func errUnauthorized(message string) *ErrorResponse {
	return &ErrorResponse{Code: CodeUnauthorized, Message: message, status: http.StatusUnauthorized}
}

func errForbidden(message string) *ErrorResponse {
	return &ErrorResponse{Code: CodeForbidden, Message: message, status: http.StatusForbidden}
}

func errPayloadTooLarge(message string) *ErrorResponse {
	return &ErrorResponse{Code: CodePayloadTooLarge, Message: message, status: http.StatusRequestEntityTooLarge}
}

func errTimeout(message string) *ErrorResponse {
	return &ErrorResponse{Code: CodeTimeout, Message: message, status: http.StatusGatewayTimeout}
}

func errSnapshotNotReady() *ErrorResponse {
	return &ErrorResponse{
		Code:    CodeSnapshotNotReady,
		Message: "no snapshot has been published yet",
		status:  http.StatusServiceUnavailable,
	}
}

func errSnapshotShifted() *ErrorResponse {
	return &ErrorResponse{
		Code:    CodeSnapshotShifted,
		Message: "the snapshot changed since this page token was issued",
		status:  http.StatusConflict,
	}
}

func errInternal() *ErrorResponse {
	return &ErrorResponse{
		Code:    CodeInternal,
		Message: "internal error",
		status:  http.StatusInternalServerError,
	}
}

// toErrorResponse maps any handler error onto the envelope. Error classes
// from the collaborating packages keep their kinds; everything unknown
// collapses to an internal error without leaking details.
func toErrorResponse(err error) *ErrorResponse {
	var typed *ErrorResponse
	if errors.As(err, &typed) {
		return typed
	}
	switch {
	case auth.ErrUnauthorized.Has(err):
		return errUnauthorized(trimmedMessage(err))
	case auth.ErrForbidden.Has(err):
		return errForbidden(trimmedMessage(err))
	case generate.ErrFilter.Has(err):
		return errValidation(trimmedMessage(err))
	case shape.ErrPageToken.Has(err):
		return errValidation(trimmedMessage(err))
	case shape.ErrSnapshotShifted.Has(err):
		return errSnapshotShifted()
	case snapshot.ErrNotReady.Has(err):
		return errSnapshotNotReady()
	case errors.Is(err, context.DeadlineExceeded):
		return errTimeout("request deadline exceeded")
	default:
		return errInternal()
	}
}

func trimmedMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
