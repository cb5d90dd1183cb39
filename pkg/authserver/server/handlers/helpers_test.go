// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/authgate/pkg/authserver/accounts"
	"github.com/stacklok/authgate/pkg/authserver/clients"
	"github.com/stacklok/authgate/pkg/authserver/grants"
	"github.com/stacklok/authgate/pkg/authserver/interaction"
	servercrypto "github.com/stacklok/authgate/pkg/authserver/server/crypto"
	"github.com/stacklok/authgate/pkg/authserver/server/keys"
	"github.com/stacklok/authgate/pkg/authserver/storage"
	"github.com/stacklok/authgate/pkg/authserver/tokens"
)

const (
	testIssuer       = "http://issuer.test"
	testClientID     = "my_app"
	testClientSecret = "demo-client-secret"
	testRedirectURI  = "http://localhost:3001/callback"
	testState        = "state-123"
)

type testEnv struct {
	srv      *httptest.Server
	client   *http.Client
	store    storage.RecordStore
	keys     keys.KeyProvider
	verifier string
}

// newTestEnv serves the full handler set over store.
func newTestEnv(t *testing.T, store storage.RecordStore, opts ...Option) *testEnv {
	t.Helper()

	registry, err := clients.NewRegistry(clients.DefaultConfigs(), clients.WithSecretCost(bcrypt.MinCost))
	require.NoError(t, err)

	hasher := accounts.BcryptHasher{Cost: bcrypt.MinCost}
	dir, err := accounts.NewMemoryDirectory(accounts.WithHasher(hasher))
	require.NoError(t, err)
	require.NoError(t, accounts.Populate(t.Context(), dir, hasher, []accounts.Seed{{
		Account:  accounts.Account{Username: "user", Email: "user@example.com", EmailVerified: true, Name: "Test User"},
		Password: "user123",
	}}))

	provider := keys.NewGeneratingProvider(keys.DefaultAlgorithm)
	gm := grants.NewManager(store)
	issuer := tokens.NewIssuer(testIssuer, store, gm, dir, keys.NewJWTSigner(provider))
	engine := interaction.NewEngine(store, registry, dir, gm, issuer)

	h := NewHandler(Config{Issuer: testIssuer}, engine, issuer, registry, provider, opts...)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &testEnv{
		srv: srv,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		store:    store,
		keys:     provider,
		verifier: servercrypto.GeneratePKCEVerifier(),
	}
}

func newMemoryEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore(storage.WithCleanupInterval(0))
	t.Cleanup(func() { _ = store.Close() })
	return newTestEnv(t, store)
}

func (e *testEnv) authorizeQuery() url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid profile email offline_access"},
		"state":                 {testState},
		"nonce":                 {"nonce-1"},
		"code_challenge":        {servercrypto.ComputePKCEChallenge(e.verifier)},
		"code_challenge_method": {"S256"},
	}
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) authorize(t *testing.T, q url.Values) *http.Response {
	t.Helper()
	return e.get(t, "/oauth/authorize?"+q.Encode())
}

func (e *testEnv) post(t *testing.T, path string, form url.Values, mutate ...func(*http.Request)) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, e.srv.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, m := range mutate {
		m(req)
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func basicAuth(id, secret string) func(*http.Request) {
	return func(req *http.Request) {
		req.SetBasicAuth(url.QueryEscape(id), url.QueryEscape(secret))
	}
}

func bearer(token string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func requireOAuthError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	var body errorResponse
	decode(t, resp, &body)
	require.Equal(t, code, body.Error)
}

// login drives authorize and login, and returns the interaction path.
func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	resp := e.authorize(t, e.authorizeQuery())
	require.Equal(t, http.StatusFound, resp.StatusCode)
	path := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(path, "/interaction/"), path)

	resp = e.post(t, path+"/login", url.Values{"username": {"user"}, "password": {"user123"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var next completionResponse
	decode(t, resp, &next)
	require.Equal(t, path, next.RedirectTo)
	return path
}

// code runs a full login and consent and returns the authorization code.
func (e *testEnv) code(t *testing.T) string {
	t.Helper()
	path := e.login(t)

	resp := e.post(t, path+"/confirm", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var done completionResponse
	decode(t, resp, &done)

	u, err := url.Parse(done.RedirectTo)
	require.NoError(t, err)
	require.Equal(t, testRedirectURI, u.Scheme+"://"+u.Host+u.Path)
	require.Equal(t, testState, u.Query().Get("state"))
	code := u.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (e *testEnv) exchange(t *testing.T, code, verifier string) *http.Response {
	t.Helper()
	return e.post(t, "/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}, basicAuth(testClientID, testClientSecret))
}

func (e *testEnv) tokens(t *testing.T) tokens.TokenResponse {
	t.Helper()
	resp := e.exchange(t, e.code(t), e.verifier)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tr tokens.TokenResponse
	decode(t, resp, &tr)
	return tr
}
