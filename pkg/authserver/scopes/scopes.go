// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package scopes is the catalog of OAuth scopes the authorization server
// understands, and the identity claims each one releases.
package scopes

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/ory/fosite"
)

// Well-known scope names.
const (
	OpenID        = "openid"
	Profile       = "profile"
	Email         = "email"
	Address       = "address"
	Phone         = "phone"
	OfflineAccess = "offline_access"
	APIRead       = "api:read"
	APIWrite      = "api:write"
)

// Scope describes one entry of the catalog.
type Scope struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Claims      []string `json:"claims,omitempty"`
}

var catalog = []Scope{
	{Name: OpenID, Description: "OpenID Connect authentication", Claims: []string{"sub"}},
	{Name: Profile, Description: "Access to profile information", Claims: []string{
		"name", "family_name", "given_name", "middle_name", "nickname",
		"preferred_username", "profile", "picture", "website", "gender",
		"birthdate", "zoneinfo", "locale", "updated_at", "roles",
	}},
	{Name: Email, Description: "Access to email address", Claims: []string{"email", "email_verified"}},
	{Name: Address, Description: "Access to postal address", Claims: []string{"address"}},
	{Name: Phone, Description: "Access to phone number", Claims: []string{"phone_number", "phone_number_verified"}},
	{Name: OfflineAccess, Description: "Access to refresh tokens for offline access"},
	{Name: APIRead, Description: "Read access to API resources"},
	{Name: APIWrite, Description: "Write access to API resources"},
}

// ErrInvalidScope is returned for a scope outside the catalog.
var ErrInvalidScope = &fosite.RFC6749Error{
	ErrorField:       "invalid_scope",
	DescriptionField: "The requested scope is invalid, unknown, or malformed.",
	CodeField:        http.StatusBadRequest,
}

// All returns every scope name in catalog order.
func All() []string {
	names := make([]string, len(catalog))
	for i, s := range catalog {
		names[i] = s.Name
	}
	return names
}

// Lookup returns the catalog entry for name.
func Lookup(name string) (Scope, bool) {
	for _, s := range catalog {
		if s.Name == name {
			return s, true
		}
	}
	return Scope{}, false
}

// Parse splits a space-delimited scope parameter into a deduplicated,
// sorted set.
func Parse(raw string) fosite.Arguments {
	return Normalize(strings.Fields(raw))
}

// Normalize collapses a scope list into a deduplicated, sorted set.
func Normalize(in []string) fosite.Arguments {
	out := make(fosite.Arguments, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Validate rejects scopes outside the catalog.
func Validate(requested []string) error {
	for _, s := range requested {
		if _, ok := Lookup(s); !ok {
			return ErrInvalidScope.WithHintf("Scope %q is not supported.", s)
		}
	}
	return nil
}

// Describe returns the human-readable permission list for a consent prompt.
func Describe(requested []string) []Scope {
	out := make([]Scope, 0, len(requested))
	for _, name := range requested {
		if s, ok := Lookup(name); ok {
			out = append(out, s)
			continue
		}
		out = append(out, Scope{Name: name, Description: name})
	}
	return out
}

// ClaimsFor returns the union of claims released by the given scopes.
func ClaimsFor(granted []string) []string {
	var claims []string
	for _, name := range granted {
		s, ok := Lookup(name)
		if !ok {
			continue
		}
		for _, c := range s.Claims {
			if !slices.Contains(claims, c) {
				claims = append(claims, c)
			}
		}
	}
	return claims
}

// FilterClaims keeps only the claims released by granted. The subject
// is always kept.
func FilterClaims(all map[string]any, granted []string) map[string]any {
	out := make(map[string]any)
	if sub, ok := all["sub"]; ok {
		out["sub"] = sub
	}
	for _, c := range ClaimsFor(granted) {
		if v, ok := all[c]; ok {
			out[c] = v
		}
	}
	return out
}

// Subset reports whether every scope of narrower appears in wider, and
// returns an error naming the first one that does not.
func Subset(narrower, wider []string) error {
	have := fosite.Arguments(wider)
	for _, s := range narrower {
		if !have.Has(s) {
			return fmt.Errorf("scope %q was not granted", s)
		}
	}
	return nil
}
