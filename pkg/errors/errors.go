// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the error categories shared by the authorization
// server and the relying party.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrProtocol is a malformed or disallowed OAuth request.
	ErrProtocol = "protocol"

	// ErrReplay is a reused code or refresh token, or a lost race on a single-use record.
	ErrReplay = "replay"

	// ErrStorage is a failure of the record store. Callers must fail closed.
	ErrStorage = "storage"

	// ErrUpstream is a failed call to the authorization server from the relying party.
	ErrUpstream = "upstream"

	// ErrInternal is any other unexpected failure.
	ErrInternal = "internal"
)

// Error represents a categorized error.
type Error struct {
	// Type is one of the Err* categories.
	Type string

	// Message describes what was being attempted.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// StatusCode maps the category to the HTTP status used when the error
// escapes to a handler.
func (e *Error) StatusCode() int {
	switch e.Type {
	case ErrProtocol, ErrReplay:
		return http.StatusBadRequest
	case ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewProtocolError creates a new protocol error
func NewProtocolError(message string, cause error) *Error {
	return NewError(ErrProtocol, message, cause)
}

// NewReplayError creates a new replay error
func NewReplayError(message string, cause error) *Error {
	return NewError(ErrReplay, message, cause)
}

// NewStorageError creates a new storage error
func NewStorageError(message string, cause error) *Error {
	return NewError(ErrStorage, message, cause)
}

// NewUpstreamError creates a new upstream error
func NewUpstreamError(message string, cause error) *Error {
	return NewError(ErrUpstream, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsProtocol checks if err is or wraps a protocol error
func IsProtocol(err error) bool {
	return isType(err, ErrProtocol)
}

// IsReplay checks if err is or wraps a replay error
func IsReplay(err error) bool {
	return isType(err, ErrReplay)
}

// IsStorage checks if err is or wraps a storage error
func IsStorage(err error) bool {
	return isType(err, ErrStorage)
}

// IsUpstream checks if err is or wraps an upstream error
func IsUpstream(err error) bool {
	return isType(err, ErrUpstream)
}

// IsInternal checks if err is or wraps an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}
