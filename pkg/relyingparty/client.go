// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relyingparty

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/stacklok/authgate/pkg/authserver/accounts"
	"github.com/stacklok/authgate/pkg/logger"
	"github.com/stacklok/authgate/pkg/networking"
)

// discoveryDocument is the part of the provider metadata the client uses.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// LoginResult is a finished login.
type LoginResult struct {
	Account *accounts.Account

	// Created is true when the account was created by this login.
	Created bool

	Claims       map[string]any
	AccessToken  string
	RefreshToken string
	IDToken      string
}

// Client runs the authorization code flow with PKCE against one issuer.
type Client struct {
	config     *Config
	oauth2     *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	endpoints  discoveryDocument
	httpClient *http.Client
	contexts   ContextStore
	directory  accounts.Directory
	now        func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the client used for discovery, token and userinfo calls.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient discovers the issuer's endpoints and returns a Client.
func NewClient(
	ctx context.Context,
	cfg *Config,
	contexts ContextStore,
	directory accounts.Directory,
	opts ...ClientOption,
) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		config:    cfg,
		contexts:  contexts,
		directory: directory,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		httpClient, err := networking.NewHttpClientBuilder().
			WithTimeout(cfg.Timeout).
			WithCABundle(cfg.CABundle).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		c.httpClient = httpClient
	}

	discoverCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	provider, err := oidc.NewProvider(oidc.ClientContext(discoverCtx, c.httpClient), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints: %w", err)
	}
	if err := provider.Claims(&c.endpoints); err != nil {
		return nil, fmt.Errorf("failed to extract provider claims: %w", err)
	}
	if c.endpoints.UserinfoEndpoint == "" {
		return nil, errors.New("issuer does not publish a userinfo endpoint")
	}

	endpoint := provider.Endpoint()
	c.oauth2 = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpoint.AuthURL,
			TokenURL:  endpoint.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	c.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID, Now: c.now})

	logger.Debugw("relying party client created",
		"issuer", cfg.Issuer,
		"client_id", cfg.ClientID,
		"token_endpoint", endpoint.TokenURL,
	)
	return c, nil
}

// StartLogin saves a fresh PKCE context for sessionID and returns the
// authorization URL to send the browser to.
func (c *Client) StartLogin(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id is required")
	}
	state, err := randomHex(16)
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()
	pkce := &PKCEContext{
		State:         state,
		CodeVerifier:  verifier,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
		Nonce:         rand.Text(),
		CreatedAt:     c.now(),
	}
	if err := putJSON(ctx, c.contexts, pkceKey(sessionID), pkce, c.config.Session.ContextTTL); err != nil {
		return "", err
	}

	return c.oauth2.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", pkce.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("nonce", pkce.Nonce),
	), nil
}

// HandleCallback finishes the login started for sessionID. The PKCE
// context is deleted whatever the outcome, so a callback is never
// processed twice.
func (c *Client) HandleCallback(ctx context.Context, sessionID string, query url.Values) (*LoginResult, error) {
	defer func() {
		if err := c.contexts.Delete(context.WithoutCancel(ctx), pkceKey(sessionID)); err != nil {
			logger.Warnw("failed to delete PKCE context", "error", err)
		}
	}()

	pkce, err := getJSON[PKCEContext](ctx, c.contexts, pkceKey(sessionID))
	if errors.Is(err, ErrContextNotFound) {
		return nil, ErrStateMismatch
	}
	if err != nil {
		return nil, err
	}
	state := query.Get("state")
	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(pkce.State)) != 1 {
		logger.Warnw("callback state mismatch", "has_state", state != "")
		return nil, ErrStateMismatch
	}
	if code := query.Get("error"); code != "" {
		return nil, &CallbackError{Code: code, Description: query.Get("error_description")}
	}
	code := query.Get("code")
	if code == "" {
		return nil, ErrMissingCode
	}

	token, err := c.exchange(ctx, code, pkce.CodeVerifier)
	if err != nil {
		return nil, err
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	var idToken *oidc.IDToken
	if rawIDToken != "" {
		idToken, err = c.verifier.Verify(oidc.ClientContext(ctx, c.httpClient), rawIDToken)
		if err != nil {
			return nil, &UpstreamError{Op: OpIDToken, Err: err}
		}
		if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(pkce.Nonce)) != 1 {
			return nil, &UpstreamError{Op: OpIDToken, Err: ErrNonceMismatch}
		}
	}

	claims, err := c.userInfo(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}
	if idToken != nil && stringClaim(claims, "sub") != idToken.Subject {
		return nil, &UpstreamError{Op: OpUserInfo, Err: ErrSubjectMismatch}
	}

	account, created, err := linkAccount(ctx, c.directory, claims, c.config.LinkBySubject)
	if err != nil {
		return nil, err
	}

	session := &LoginSession{
		AccountID: account.ID,
		Username:  account.Username,
		Subject:   stringClaim(claims, "sub"),
		IDToken:   rawIDToken,
		AuthTime:  c.now(),
	}
	if err := putJSON(ctx, c.contexts, loginKey(sessionID), session, c.config.Session.LoginTTL); err != nil {
		return nil, err
	}

	logger.Infow("login completed",
		"account_id", account.ID,
		"username", account.Username,
		"created", created,
	)
	return &LoginResult{
		Account:      account,
		Created:      created,
		Claims:       claims,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      rawIDToken,
	}, nil
}

// exchange redeems code at the token endpoint with the session's verifier.
func (c *Client) exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.oauth2.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err == nil {
		return token, nil
	}

	upErr := &UpstreamError{Op: OpTokenExchange, Err: err}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil {
			upErr.StatusCode = retrieveErr.Response.StatusCode
		}
		upErr.Code = retrieveErr.ErrorCode
		upErr.Description = retrieveErr.ErrorDescription
	}
	logger.Warnw("token exchange failed", "status", upErr.StatusCode, "error", upErr.Code)
	return nil, upErr
}

// userInfo fetches the profile for accessToken.
func (c *Client) userInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	claims, err := networking.FetchJSON[map[string]any](ctx, c.httpClient, c.endpoints.UserinfoEndpoint,
		networking.WithBearerToken(accessToken),
		networking.WithErrorHandler(func(resp *http.Response, body []byte) error {
			var oauthErr struct {
				Error       string `json:"error"`
				Description string `json:"error_description"`
			}
			_ = json.Unmarshal(body, &oauthErr)
			return &UpstreamError{
				Op:          OpUserInfo,
				StatusCode:  resp.StatusCode,
				Code:        oauthErr.Error,
				Description: oauthErr.Description,
			}
		}),
	)
	if err != nil {
		var upErr *UpstreamError
		if errors.As(err, &upErr) {
			return nil, err
		}
		return nil, &UpstreamError{Op: OpUserInfo, Err: err}
	}
	return *claims, nil
}

// Session returns the signed-in session for sessionID, or ErrNotLoggedIn.
func (c *Client) Session(ctx context.Context, sessionID string) (*LoginSession, error) {
	if sessionID == "" {
		return nil, ErrNotLoggedIn
	}
	session, err := getJSON[LoginSession](ctx, c.contexts, loginKey(sessionID))
	if errors.Is(err, ErrContextNotFound) {
		return nil, ErrNotLoggedIn
	}
	return session, err
}

// Account returns the local account signed in on sessionID.
func (c *Client) Account(ctx context.Context, sessionID string) (*accounts.Account, error) {
	session, err := c.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	acct, err := c.directory.FindByID(ctx, session.AccountID)
	if errors.Is(err, accounts.ErrNotFound) {
		return nil, ErrNotLoggedIn
	}
	return acct, err
}

// Logout forgets the local session and returns the issuer's end-session
// URL. An empty idTokenHint uses the id_token of the session.
func (c *Client) Logout(ctx context.Context, sessionID, idTokenHint string) (string, error) {
	if idTokenHint == "" && sessionID != "" {
		if session, err := c.Session(ctx, sessionID); err == nil {
			idTokenHint = session.IDToken
		}
	}
	if sessionID != "" {
		if err := c.contexts.Delete(ctx, loginKey(sessionID)); err != nil {
			return "", err
		}
	}

	if c.endpoints.EndSessionEndpoint == "" {
		return c.config.PostLogoutRedirectURI, nil
	}
	u, err := url.Parse(c.endpoints.EndSessionEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid end_session_endpoint: %w", err)
	}
	q := u.Query()
	q.Set("client_id", c.config.ClientID)
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if c.config.PostLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", c.config.PostLogoutRedirectURI)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
