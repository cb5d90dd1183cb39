// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package clients holds the registry of OAuth clients allowed to use the
// authorization server and authenticates them at the token endpoint.
package clients

import (
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/ory/fosite"
)

// Token endpoint authentication methods.
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
	AuthMethodNone  = "none"
)

// Application types.
const (
	ApplicationTypeWeb    = "web"
	ApplicationTypeNative = "native"
)

// Client is a registered OAuth client. The embedded DefaultClient carries
// the bcrypt hash of the secret, never the secret itself.
type Client struct {
	*fosite.DefaultClient

	Name                   string
	AuthMethod             string
	ApplicationType        string
	PostLogoutRedirectURIs []string
}

// GetTokenEndpointAuthMethod returns the method the client must use at the token endpoint.
func (c *Client) GetTokenEndpointAuthMethod() string {
	return c.AuthMethod
}

// MatchRedirectURI reports whether requested is one of the client's
// registered redirect URIs. Native clients registered with a loopback
// URI may use any port (RFC 8252 section 7.3).
func (c *Client) MatchRedirectURI(requested string) bool {
	return c.GetMatchingRedirectURI(requested) != ""
}

// GetMatchingRedirectURI returns the URI to redirect to, or "" if requested
// matches nothing. A loopback match returns requested so its port survives.
func (c *Client) GetMatchingRedirectURI(requested string) string {
	if requested == "" {
		return ""
	}
	for _, registered := range c.GetRedirectURIs() {
		if requested == registered {
			return registered
		}
		if c.ApplicationType == ApplicationTypeNative && matchesAsLoopback(requested, registered) {
			return requested
		}
	}
	return ""
}

// AllowsPostLogoutRedirect reports whether uri is a registered post-logout redirect.
func (c *Client) AllowsPostLogoutRedirect(uri string) bool {
	return uri != "" && slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// SupportsGrant reports whether the client may use grantType.
func (c *Client) SupportsGrant(grantType string) bool {
	return c.GetGrantTypes().Has(grantType)
}

// AllowsScopes reports whether every requested scope is within the client's
// registered scope, and returns the first one that is not.
func (c *Client) AllowsScopes(requested []string) (string, bool) {
	registered := c.GetScopes()
	for _, s := range requested {
		if !registered.Has(s) {
			return s, false
		}
	}
	return "", true
}

// matchesAsLoopback applies the loopback rules: http scheme, same loopback
// host, identical path and query, any port.
func matchesAsLoopback(requestedURI, registeredURI string) bool {
	requested, err := url.Parse(requestedURI)
	if err != nil {
		return false
	}
	registered, err := url.Parse(registeredURI)
	if err != nil {
		return false
	}

	if requested.Scheme != "http" || registered.Scheme != "http" {
		return false
	}
	if !IsLoopbackHost(requested.Hostname()) || !IsLoopbackHost(registered.Hostname()) {
		return false
	}
	if !strings.EqualFold(requested.Hostname(), registered.Hostname()) {
		return false
	}
	return requested.Path == registered.Path && requested.RawQuery == registered.RawQuery
}

// IsLoopbackHost reports whether hostname is localhost, 127.0.0.1 or ::1.
func IsLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

var _ fosite.Client = (*Client)(nil)
