// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/authgate/pkg/authserver/interaction"
	"github.com/stacklok/authgate/pkg/authserver/storage"
	"github.com/stacklok/authgate/pkg/authserver/storage/mocks"
	"github.com/stacklok/authgate/pkg/authserver/tokens"
)

func TestAuthorizationCodeFlow(t *testing.T) {
	t.Parallel()
	e := newMemoryEnv(t)

	resp := e.authorize(t, e.authorizeQuery())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	path := resp.Header.Get("Location")

	var details interaction.Details
	decode(t, e.get(t, path), &details)
	assert.Equal(t, interaction.PromptLogin, details.Prompt)
	assert.Equal(t, testClientID, details.Client.ID)
	assert.Empty(t, details.Permissions)

	resp = e.post(t, path+"/login", url.Values{"username": {"user"}, "password": {"user123"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookieName {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)
	assert.True(t, sessionCookie.HttpOnly)

	decode(t, e.get(t, path), &details)
	assert.Equal(t, interaction.PromptConsent, details.Prompt)
	assert.NotEmpty(t, details.Permissions)

	resp = e.post(t, path+"/confirm", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var done completionResponse
	decode(t, resp, &done)
	callback, err := url.Parse(done.RedirectTo)
	require.NoError(t, err)
	code := callback.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, testState, callback.Query().Get("state"))

	resp = e.exchange(t, code, e.verifier)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	var tr tokens.TokenResponse
	decode(t, resp, &tr)
	assert.Equal(t, "Bearer", tr.TokenType)
	assert.NotEmpty(t, tr.AccessToken)
	assert.NotEmpty(t, tr.RefreshToken)
	require.NotEmpty(t, tr.IDToken)

	// The id_token verifies against the published key set.
	var set jose.JSONWebKeySet
	decode(t, e.get(t, "/.well-known/jwks.json"), &set)
	require.Len(t, set.Keys, 1)
	parsed, err := jwt.ParseSigned(tr.IDToken, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	var claims jwt.Claims
	var extra map[string]any
	require.NoError(t, parsed.Claims(set.Keys[0].Key, &claims, &extra))
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, jwt.Audience{testClientID}, claims.Audience)
	assert.Equal(t, "nonce-1", extra["nonce"])

	resp = e.get(t, "/oauth/userinfo")
	requireOAuthError(t, resp, http.StatusUnauthorized, "invalid_request")

	resp = e.post(t, "/oauth/userinfo", nil, bearer(tr.AccessToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info map[string]any
	decode(t, resp, &info)
	assert.Equal(t, claims.Subject, info["sub"])
	assert.Equal(t, "user@example.com", info["email"])
}

func TestAuthorize_SessionSkipsLogin(t *testing.T) {
	t.Parallel()
	e := newMemoryEnv(t)
	_ = e.code(t)

	resp := e.authorize(t, e.authorizeQuery())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	var details interaction.Details
	decode(t, e.get(t, resp.Header.Get("Location")), &details)
	assert.Equal(t, interaction.PromptConsent, details.Prompt)
}

func TestAuthorize_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mutate     func(q url.Values)
		wantStatus int
		wantError  string
		// redirected errors go back to the client
		redirected bool
	}{
		{
			name:       "unknown client",
			mutate:     func(q url.Values) { q.Set("client_id", "nope") },
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
		},
		{
			name:       "unregistered redirect_uri",
			mutate:     func(q url.Values) { q.Set("redirect_uri", "http://evil.test/cb") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "missing code_challenge",
			mutate:     func(q url.Values) { q.Del("code_challenge") },
			wantError:  "invalid_request",
			redirected: true,
		},
		{
			name:       "plain challenge method",
			mutate:     func(q url.Values) { q.Set("code_challenge_method", "plain") },
			wantError:  "invalid_request",
			redirected: true,
		},
		{
			name:       "unknown scope",
			mutate:     func(q url.Values) { q.Set("scope", "openid admin") },
			wantError:  "invalid_scope",
			redirected: true,
		},
		{
			name:       "token response type",
			mutate:     func(q url.Values) { q.Set("response_type", "token") },
			wantError:  "unsupported_response_type",
			redirected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newMemoryEnv(t)
			q := e.authorizeQuery()
			tt.mutate(q)
			resp := e.authorize(t, q)

			if !tt.redirected {
				requireOAuthError(t, resp, tt.wantStatus, tt.wantError)
				return
			}
			require.Equal(t, http.StatusFound, resp.StatusCode)
			loc, err := url.Parse(resp.Header.Get("Location"))
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(loc.String(), testRedirectURI))
			assert.Equal(t, tt.wantError, loc.Query().Get("error"))
			assert.NotEmpty(t, loc.Query().Get("error_description"))
			assert.Equal(t, testState, loc.Query().Get("state"))
		})
	}
}

func TestInteraction_Abort(t *testing.T) {
	t.Parallel()
	e := newMemoryEnv(t)
	path := e.login(t)

	resp := e.post(t, path+"/abort", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var done completionResponse
	decode(t, resp, &done)
	loc, err := url.Parse(done.RedirectTo)
	require.NoError(t, err)
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
	assert.Equal(t, "End-User aborted interaction", loc.Query().Get("error_description"))
	assert.Equal(t, testState, loc.Query().Get("state"))

	// The interaction is finished.
	resp = e.get(t, path)
	requireOAuthError(t, resp, http.StatusNotFound, "not_found")
}

func TestInteraction_Errors(t *testing.T) {
	t.Parallel()
	e := newMemoryEnv(t)

	resp := e.get(t, "/interaction/does-not-exist")
	requireOAuthError(t, resp, http.StatusNotFound, "not_found")

	resp = e.authorize(t, e.authorizeQuery())
	path := resp.Header.Get("Location")

	resp = e.post(t, path+"/login", url.Values{"username": {"user"}, "password": {"wrong"}})
	requireOAuthError(t, resp, http.StatusUnauthorized, "unauthorized")

	resp = e.post(t, path+"/confirm", nil)
	requireOAuthError(t, resp, http.StatusBadRequest, "bad_request")
}

func TestToken_CodeReplayRevokesGrant(t *testing.T) {
	t.Parallel()
	e := newMemoryEnv(t)

	code := e.code(t)
	resp := e.exchange(t, code, e.verifier)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tr tokens.TokenResponse
	decode(t, resp, &tr)

	resp = e.exchange(t, code, e.verifier)
	requireOAuthError(t, resp, http.StatusBadRequest, "invalid_grant")

	resp = e.post(t, "/oauth/userinfo", nil, bearer(tr.AccessToken))
	requireOAuthError(t, resp, http.StatusUnauthorized, "invalid_token")
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "invalid_token")
}

func TestToken_WrongVerifier(t *testing.T) {
	t.Parallel()
	e := newMemoryEnv(t)

	code := e.code(t)
	resp := e.exchange(t, code, "wrong-verifier-wrong-verifier-wrong-verifier-0123")
	requireOAuthError(t, resp, http.StatusBadRequest, "invalid_grant")

	// The code was burned by the failed attempt.
	resp = e.exchange(t, code, e.verifier)
	requireOAuthError(t, resp, http.StatusBadRequest, "invalid_grant")
}

func TestToken_RefreshRotates(t *testing.T) {
	t.Parallel()
	e := newMemoryEnv(t)
	first := e.tokens(t)

	refresh := func(token string) *http.Response {
		return e.post(t, "/oauth/token", url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {token},
		}, basicAuth(testClientID, testClientSecret))
	}

	resp := refresh(first.RefreshToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second tokens.TokenResponse
	decode(t, resp, &second)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	resp = refresh(first.RefreshToken)
	requireOAuthError(t, resp, http.StatusBadRequest, "invalid_grant")

	// Replaying the rotated token revoked the grant, new tokens included.
	resp = refresh(second.RefreshToken)
	requireOAuthError(t, resp, http.StatusBadRequest, "invalid_grant")
}

func TestToken_ClientAuthentication(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		form       url.Values
		auth       func(*http.Request)
		wantStatus int
		wantError  string
	}{
		{
			name:       "wrong secret",
			form:       url.Values{"grant_type": {"authorization_code"}},
			auth:       basicAuth(testClientID, "wrong"),
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
		},
		{
			name:       "wrong method",
			form:       url.Values{"grant_type": {"authorization_code"}, "client_id": {testClientID}, "client_secret": {testClientSecret}},
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
		},
		{
			name:       "no credentials",
			form:       url.Values{"grant_type": {"authorization_code"}},
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
		},
		{
			name:       "unsupported grant type",
			form:       url.Values{"grant_type": {"password"}},
			auth:       basicAuth(testClientID, testClientSecret),
			wantStatus: http.StatusBadRequest,
			wantError:  "unsupported_grant_type",
		},
		{
			name:       "grant not registered for client",
			form:       url.Values{"grant_type": {"client_credentials"}, "client_id": {"mobile_app"}},
			wantStatus: http.StatusBadRequest,
			wantError:  "unauthorized_client",
		},
		{
			name:       "unknown code",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"nope"}, "redirect_uri": {testRedirectURI}},
			auth:       basicAuth(testClientID, testClientSecret),
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newMemoryEnv(t)
			var mutate []func(*http.Request)
			if tt.auth != nil {
				mutate = append(mutate, tt.auth)
			}
			resp := e.post(t, "/oauth/token", tt.form, mutate...)
			requireOAuthError(t, resp, tt.wantStatus, tt.wantError)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
			}
		})
	}
}

func TestToken_ClientCredentials(t *testing.T) {
	t.Parallel()
	e := newMemoryEnv(t)

	resp := e.post(t, "/oauth/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"service_client"},
		"client_secret": {"service-client-secret"},
		"scope":         {"api:read"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tr tokens.TokenResponse
	decode(t, resp, &tr)
	assert.Equal(t, "api:read", tr.Scope)
	assert.Empty(t, tr.RefreshToken)
	assert.Empty(t, tr.IDToken)

	resp = e.post(t, "/oauth/introspect", url.Values{"token": {tr.AccessToken}},
		basicAuth(testClientID, testClientSecret))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info tokens.Introspection
	decode(t, resp, &info)
	assert.True(t, info.Active)
	assert.Equal(t, "service_client", info.ClientID)
	assert.Empty(t, info.Subject)

	resp = e.post(t, "/oauth/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"service_client"},
		"client_secret": {"service-client-secret"},
		"scope":         {"openid"},
	})
	requireOAuthError(t, resp, http.StatusBadRequest, "invalid_scope")
}

func TestRevokeAndIntrospect(t *testing.T) {
	t.Parallel()
	e := newMemoryEnv(t)
	tr := e.tokens(t)

	introspect := func(token string) tokens.Introspection {
		resp := e.post(t, "/oauth/introspect", url.Values{"token": {token}},
			basicAuth(testClientID, testClientSecret))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var info tokens.Introspection
		decode(t, resp, &info)
		return info
	}

	info := introspect(tr.AccessToken)
	assert.True(t, info.Active)
	assert.Equal(t, testClientID, info.ClientID)
	assert.Equal(t, testIssuer, info.Issuer)

	// Public clients may not introspect.
	resp := e.post(t, "/oauth/introspect", url.Values{"token": {tr.AccessToken}, "client_id": {"mobile_app"}})
	requireOAuthError(t, resp, http.StatusUnauthorized, "invalid_client")

	// Another client may not revoke the token.
	resp = e.post(t, "/oauth/revoke", url.Values{"token": {tr.RefreshToken}, "client_id": {"mobile_app"}})
	requireOAuthError(t, resp, http.StatusBadRequest, "unauthorized_client")

	resp = e.post(t, "/oauth/revoke", url.Values{"token": {tr.RefreshToken}, "token_type_hint": {"refresh_token"}},
		basicAuth(testClientID, testClientSecret))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Revoking the refresh token revoked the grant and its access token.
	assert.False(t, introspect(tr.AccessToken).Active)
	assert.False(t, introspect(tr.RefreshToken).Active)

	resp = e.post(t, "/oauth/revoke", url.Values{"token": {"unknown"}},
		basicAuth(testClientID, testClientSecret))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogout(t *testing.T) {
	t.Parallel()

	t.Run("with id_token_hint and registered redirect", func(t *testing.T) {
		t.Parallel()
		e := newMemoryEnv(t)
		tr := e.tokens(t)

		resp := e.get(t, "/oauth/logout?"+url.Values{
			"id_token_hint":            {tr.IDToken},
			"post_logout_redirect_uri": {"http://localhost:3001/login"},
			"state":                    {"bye"},
		}.Encode())
		require.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "http://localhost:3001/login?state=bye", resp.Header.Get("Location"))

		// The session is gone, so the next authorization asks for login.
		resp = e.authorize(t, e.authorizeQuery())
		var details interaction.Details
		decode(t, e.get(t, resp.Header.Get("Location")), &details)
		assert.Equal(t, interaction.PromptLogin, details.Prompt)
	})

	t.Run("unregistered redirect", func(t *testing.T) {
		t.Parallel()
		e := newMemoryEnv(t)
		resp := e.get(t, "/oauth/logout?"+url.Values{
			"client_id":                {testClientID},
			"post_logout_redirect_uri": {"http://evil.test"},
		}.Encode())
		requireOAuthError(t, resp, http.StatusBadRequest, "invalid_request")
	})

	t.Run("redirect without client", func(t *testing.T) {
		t.Parallel()
		e := newMemoryEnv(t)
		resp := e.get(t, "/oauth/logout?post_logout_redirect_uri=http%3A%2F%2Flocalhost%3A3001")
		requireOAuthError(t, resp, http.StatusBadRequest, "invalid_request")
	})

	t.Run("forged hint", func(t *testing.T) {
		t.Parallel()
		e := newMemoryEnv(t)
		resp := e.get(t, "/oauth/logout?id_token_hint=abc.def.ghi")
		requireOAuthError(t, resp, http.StatusBadRequest, "invalid_request")
	})

	t.Run("no parameters", func(t *testing.T) {
		t.Parallel()
		e := newMemoryEnv(t)
		resp := e.get(t, "/oauth/logout")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestDiscovery(t *testing.T) {
	t.Parallel()
	e := newMemoryEnv(t)

	resp := e.get(t, "/.well-known/openid-configuration")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "public, max-age=3600", resp.Header.Get("Cache-Control"))
	var doc OIDCDiscoveryDocument
	decode(t, resp, &doc)
	assert.Equal(t, testIssuer, doc.Issuer)
	assert.Equal(t, testIssuer+"/oauth/token", doc.TokenEndpoint)
	assert.Equal(t, testIssuer+"/.well-known/jwks.json", doc.JWKSURI)
	assert.Equal(t, []string{"S256"}, doc.CodeChallengeMethodsSupported)
	assert.Equal(t, []string{"ES256"}, doc.IDTokenSigningAlgValuesSupported)
	assert.Contains(t, doc.ScopesSupported, "offline_access")
	assert.Contains(t, doc.ClaimsSupported, "email")

	resp = e.get(t, "/.well-known/jwks.json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var set jose.JSONWebKeySet
	decode(t, resp, &set)
	require.Len(t, set.Keys, 1)
	assert.True(t, set.Keys[0].IsPublic())
	assert.Equal(t, "sig", set.Keys[0].Use)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	e := newMemoryEnv(t)
	assert.Equal(t, http.StatusOK, e.get(t, "/health").StatusCode)

	store := storage.NewMemoryStore(storage.WithCleanupInterval(0))
	t.Cleanup(func() { _ = store.Close() })
	down := newTestEnv(t, store, WithHealthCheck(func() error { return errors.New("redis down") }))
	assert.Equal(t, http.StatusServiceUnavailable, down.get(t, "/health").StatusCode)
}

func TestToken_StorageFailureIsServerError(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockRecordStore(ctrl)
	store.EXPECT().Find(gomock.Any(), storage.KindAuthorizationCode, gomock.Any()).Return(nil, storage.ErrStorage)

	e := newTestEnv(t, store)
	resp := e.post(t, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"some-code"},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {e.verifier},
	}, basicAuth(testClientID, testClientSecret))
	requireOAuthError(t, resp, http.StatusInternalServerError, "server_error")
}
