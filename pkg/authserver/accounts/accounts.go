// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package accounts is the account directory: it authenticates end users by
// username and password and exposes their identity claims.
package accounts

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stacklok/toolhive-core/httperr"
)

var (
	// ErrInvalidCredentials is returned for both an unknown user and a wrong password.
	ErrInvalidCredentials = httperr.WithCode(errors.New("invalid username or password"), http.StatusUnauthorized)

	// ErrNotFound is returned when no account matches a lookup.
	ErrNotFound = httperr.WithCode(errors.New("account not found"), http.StatusNotFound)

	// ErrUsernameTaken is returned by Create when the username is in use.
	ErrUsernameTaken = httperr.WithCode(errors.New("username already exists"), http.StatusConflict)
)

// Address is the OIDC postal address claim.
type Address struct {
	Formatted     string `json:"formatted,omitempty" yaml:"formatted,omitempty"`
	StreetAddress string `json:"street_address,omitempty" yaml:"street_address,omitempty"`
	Locality      string `json:"locality,omitempty" yaml:"locality,omitempty"`
	Region        string `json:"region,omitempty" yaml:"region,omitempty"`
	PostalCode    string `json:"postal_code,omitempty" yaml:"postal_code,omitempty"`
	Country       string `json:"country,omitempty" yaml:"country,omitempty"`
}

// Account is an end user known to the directory.
type Account struct {
	ID       string `json:"id" yaml:"id"`
	Username string `json:"username" yaml:"username"`

	// PasswordHash is empty for accounts linked from an external provider.
	PasswordHash string `json:"-" yaml:"password_hash,omitempty"`

	Email               string   `json:"email,omitempty" yaml:"email,omitempty"`
	EmailVerified       bool     `json:"email_verified,omitempty" yaml:"email_verified,omitempty"`
	Name                string   `json:"name,omitempty" yaml:"name,omitempty"`
	GivenName           string   `json:"given_name,omitempty" yaml:"given_name,omitempty"`
	FamilyName          string   `json:"family_name,omitempty" yaml:"family_name,omitempty"`
	Nickname            string   `json:"nickname,omitempty" yaml:"nickname,omitempty"`
	Picture             string   `json:"picture,omitempty" yaml:"picture,omitempty"`
	Locale              string   `json:"locale,omitempty" yaml:"locale,omitempty"`
	Zoneinfo            string   `json:"zoneinfo,omitempty" yaml:"zoneinfo,omitempty"`
	PhoneNumber         string   `json:"phone_number,omitempty" yaml:"phone_number,omitempty"`
	PhoneNumberVerified bool     `json:"phone_number_verified,omitempty" yaml:"phone_number_verified,omitempty"`
	Address             *Address `json:"address,omitempty" yaml:"address,omitempty"`
	Roles               []string `json:"roles,omitempty" yaml:"roles,omitempty"`

	// ExternalSubject is the upstream "sub" an externally linked account was created from.
	ExternalSubject string `json:"external_subject,omitempty" yaml:"external_subject,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Claims returns every identity claim of the account keyed by its OIDC
// name. Callers filter the result by granted scopes.
func (a *Account) Claims() map[string]any {
	claims := map[string]any{
		"sub":                a.ID,
		"preferred_username": a.Username,
	}
	set := func(name, v string) {
		if v != "" {
			claims[name] = v
		}
	}
	set("email", a.Email)
	set("name", a.Name)
	set("given_name", a.GivenName)
	set("family_name", a.FamilyName)
	set("nickname", a.Nickname)
	set("picture", a.Picture)
	set("locale", a.Locale)
	set("zoneinfo", a.Zoneinfo)
	set("phone_number", a.PhoneNumber)
	if a.Email != "" {
		claims["email_verified"] = a.EmailVerified
	}
	if a.PhoneNumber != "" {
		claims["phone_number_verified"] = a.PhoneNumberVerified
	}
	if a.Address != nil {
		claims["address"] = a.Address
	}
	if len(a.Roles) > 0 {
		claims["roles"] = append([]string(nil), a.Roles...)
	}
	if !a.UpdatedAt.IsZero() {
		claims["updated_at"] = a.UpdatedAt.Unix()
	}
	return claims
}

// clone returns a copy that shares no slices or pointers with a.
func (a *Account) clone() *Account {
	c := *a
	c.Roles = append([]string(nil), a.Roles...)
	if a.Address != nil {
		addr := *a.Address
		c.Address = &addr
	}
	return &c
}

// Directory looks up and authenticates accounts.
type Directory interface {
	// Authenticate returns the account when password matches, or ErrInvalidCredentials.
	Authenticate(ctx context.Context, username, password string) (*Account, error)

	// FindByID returns the account with the given id, or ErrNotFound.
	FindByID(ctx context.Context, id string) (*Account, error)

	// FindByUsername returns the account with the given username, or ErrNotFound.
	FindByUsername(ctx context.Context, username string) (*Account, error)

	// Create stores a new account and returns it with its id and timestamps set.
	Create(ctx context.Context, account *Account) (*Account, error)
}

// normalizeUsername is the lookup key for usernames. Matching is case-insensitive.
func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
