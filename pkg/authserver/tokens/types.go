// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"time"

	"github.com/ory/fosite"
)

// Token type hints accepted by Revoke and Introspect (RFC 7009 section 2.1).
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// TTLs holds the lifetime of each credential the issuer mints.
type TTLs struct {
	AuthorizationCode time.Duration `mapstructure:"authorization_code" yaml:"authorization_code"`
	AccessToken       time.Duration `mapstructure:"access_token" yaml:"access_token"`
	RefreshToken      time.Duration `mapstructure:"refresh_token" yaml:"refresh_token"`
	IDToken           time.Duration `mapstructure:"id_token" yaml:"id_token"`
	ClientCredentials time.Duration `mapstructure:"client_credentials" yaml:"client_credentials"`
}

// DefaultTTLs returns the standard credential lifetimes.
func DefaultTTLs() TTLs {
	return TTLs{
		AuthorizationCode: 10 * time.Minute,
		AccessToken:       time.Hour,
		RefreshToken:      14 * 24 * time.Hour,
		IDToken:           time.Hour,
		ClientCredentials: 10 * time.Minute,
	}
}

// CodeRequest describes an authorization code to mint after consent.
type CodeRequest struct {
	GrantID             string
	ClientID            string
	AccountID           string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	Scopes              fosite.Arguments
	AuthTime            time.Time
}

// ExchangeRequest is an authorization_code grant at the token endpoint.
// ClientID is the authenticated client.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// RefreshRequest is a refresh_token grant. Scopes, when set, must be a
// subset of the original grant.
type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	Scopes       fosite.Arguments
}

// TokenResponse is the RFC 6749 section 5.1 success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Introspection is the RFC 7662 response. Inactive tokens carry only Active.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`

	GrantID string `json:"-"`
}

// codeData is the stored state behind an authorization code.
type codeData struct {
	ClientID            string           `json:"client_id"`
	AccountID           string           `json:"account_id"`
	RedirectURI         string           `json:"redirect_uri"`
	CodeChallenge       string           `json:"code_challenge"`
	CodeChallengeMethod string           `json:"code_challenge_method"`
	Nonce               string           `json:"nonce,omitempty"`
	Scopes              fosite.Arguments `json:"scopes"`
	AuthTime            time.Time        `json:"auth_time"`
}

// tokenData is the stored state behind an access or refresh token.
type tokenData struct {
	ClientID  string           `json:"client_id"`
	AccountID string           `json:"account_id,omitempty"`
	Scopes    fosite.Arguments `json:"scopes"`
	Nonce     string           `json:"nonce,omitempty"`
	AuthTime  time.Time        `json:"auth_time,omitzero"`
	IssuedAt  time.Time        `json:"issued_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}
