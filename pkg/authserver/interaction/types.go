// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package interaction

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ory/fosite"
	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/authgate/pkg/authserver/scopes"
)

// Prompts.
const (
	PromptLogin   = "login"
	PromptConsent = "consent"
)

var (
	// ErrInteractionNotFound is returned for an unknown, expired or finished interaction.
	ErrInteractionNotFound = httperr.WithCode(errors.New("interaction not found"), http.StatusNotFound)

	// ErrSessionNotFound is returned when a session id does not resolve to a live session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrLoginRequired is returned when consent is attempted before login.
	ErrLoginRequired = httperr.WithCode(errors.New("login required before consent"), http.StatusBadRequest)

	// ErrPromptMismatch is returned when an action does not fit the current prompt.
	ErrPromptMismatch = httperr.WithCode(errors.New("action does not match the current prompt"), http.StatusBadRequest)

	// ErrTooManyAttempts is returned when login attempts for a username exceed the rate limit.
	ErrTooManyAttempts = httperr.WithCode(errors.New("too many login attempts"), http.StatusTooManyRequests)
)

// AuthorizationRequest holds the parameters of an authorization request.
type AuthorizationRequest struct {
	ResponseType        string `json:"response_type"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state,omitempty"`
	Nonce               string `json:"nonce,omitempty"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

// AuthorizationRequestFromQuery reads an authorization request from query parameters.
func AuthorizationRequestFromQuery(q url.Values) AuthorizationRequest {
	return AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
}

// Scopes returns the requested scope as a set.
func (r AuthorizationRequest) Scopes() fosite.Arguments {
	return scopes.Parse(r.Scope)
}

// Interaction is one login/consent negotiation.
type Interaction struct {
	UID       string               `json:"uid"`
	Prompt    string               `json:"prompt"`
	Params    AuthorizationRequest `json:"params"`
	SessionID string               `json:"session_id,omitempty"`
	AccountID string               `json:"account_id,omitempty"`
	AuthTime  time.Time            `json:"auth_time,omitzero"`
	Result    *Result              `json:"result,omitempty"`
	CreatedAt time.Time            `json:"created_at"`

	// recordID is the store id of the current stage. The uid stays stable
	// across stages while each stage gets its own record.
	recordID string
}

// Result finishes a prompt. Exactly one field is set.
type Result struct {
	Login   *LoginResult   `json:"login,omitempty"`
	Consent *ConsentResult `json:"consent,omitempty"`
	Error   *ErrorResult   `json:"error,omitempty"`
}

// LoginResult names the authenticated account.
type LoginResult struct {
	AccountID string `json:"account_id"`
}

// ConsentResult carries the scopes the user granted. Empty means all requested.
type ConsentResult struct {
	GrantedScopes []string `json:"granted_scopes,omitempty"`
	GrantID       string   `json:"grant_id,omitempty"`
}

// ErrorResult ends the interaction with an OAuth error for the client.
type ErrorResult struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// Session binds a browser to an authenticated account.
type Session struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	AuthTime  time.Time `json:"auth_time"`
}

// Client is the part of a client shown on the interaction screens.
type Client struct {
	ID   string `json:"client_id"`
	Name string `json:"client_name,omitempty"`
}

// Details is what the interaction screens render.
type Details struct {
	UID         string         `json:"uid"`
	Prompt      string         `json:"prompt"`
	Client      Client         `json:"client"`
	Scopes      []string       `json:"scopes"`
	Permissions []scopes.Scope `json:"permissions,omitempty"`
	AccountID   string         `json:"account_id,omitempty"`
}

// Completion is the outcome of a finished prompt.
type Completion struct {
	// RedirectTo is set when the interaction ended and the browser returns to the client.
	RedirectTo string `json:"redirect_to,omitempty"`

	// Interaction is set when the interaction continues with another prompt.
	Interaction *Interaction `json:"-"`

	// SessionID is the browser session to bind, if one was created.
	SessionID string `json:"-"`
}

// RedirectError is an authorization error reported to the client through
// its redirect URI.
type RedirectError struct {
	RedirectURI string
	State       string
	Err         *fosite.RFC6749Error
}

// Error implements error.
func (e *RedirectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.ErrorField, e.Err.GetDescription())
}

// Unwrap returns the OAuth error.
func (e *RedirectError) Unwrap() error {
	return e.Err
}

// Location is the redirect URI carrying error, error_description and state.
func (e *RedirectError) Location() string {
	return withQuery(e.RedirectURI, url.Values{
		"error":             {e.Err.ErrorField},
		"error_description": {e.Err.GetDescription()},
	}, e.State)
}

// withQuery appends params and a non-empty state to uri.
func withQuery(uri string, params url.Values, state string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				q.Set(k, v)
			}
		}
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
