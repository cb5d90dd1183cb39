// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relyingparty

import (
	"errors"
	"fmt"
)

var (
	// ErrStateMismatch is returned when the callback state is missing or
	// does not match the one saved for the session.
	ErrStateMismatch = errors.New("state mismatch")

	// ErrMissingCode is returned when a callback carries neither code nor error.
	ErrMissingCode = errors.New("authorization code missing from callback")

	// ErrNonceMismatch is returned when the id_token nonce differs from the one sent.
	ErrNonceMismatch = errors.New("id_token nonce does not match")

	// ErrSubjectMismatch is returned when userinfo describes a different subject than the id_token.
	ErrSubjectMismatch = errors.New("userinfo subject does not match id_token")

	// ErrNotLoggedIn is returned when a session has no signed-in account.
	ErrNotLoggedIn = errors.New("not logged in")
)

// Upstream operations.
const (
	OpTokenExchange = "token_exchange"
	OpIDToken       = "id_token"
	OpUserInfo      = "userinfo"
)

// CallbackError is an error the authorization server returned on the redirect URI.
type CallbackError struct {
	Code        string
	Description string
}

func (e *CallbackError) Error() string {
	if e.Description == "" {
		return "authorization failed: " + e.Code
	}
	return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
}

// UpstreamError is a failed call to the authorization server. StatusCode
// is zero when no response arrived.
type UpstreamError struct {
	Op          string
	StatusCode  int
	Code        string
	Description string
	Err         error
}

func (e *UpstreamError) Error() string {
	msg := e.Op + " failed"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s with status %d", msg, e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil && e.Code == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
