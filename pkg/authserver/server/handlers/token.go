// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/ory/fosite"

	"github.com/stacklok/authgate/pkg/authserver/clients"
	"github.com/stacklok/authgate/pkg/authserver/scopes"
	"github.com/stacklok/authgate/pkg/authserver/tokens"
	"github.com/stacklok/authgate/pkg/logger"
)

// Grant types accepted at the token endpoint.
const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"
	grantTypeClientCredentials = "client_credentials"
)

// TokenHandler handles POST /oauth/token requests.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	noStore(w)

	client, ok := h.authenticateClient(w, req)
	if !ok {
		return
	}

	grantType := req.PostForm.Get("grant_type")
	switch grantType {
	case grantTypeAuthorizationCode, grantTypeRefreshToken, grantTypeClientCredentials:
	case "":
		writeTokenError(w, fosite.ErrInvalidRequest.WithHint("The 'grant_type' parameter is required."))
		return
	default:
		writeTokenError(w, fosite.ErrUnsupportedGrantType.WithHintf("The grant type %q is not supported.", grantType))
		return
	}
	if !client.SupportsGrant(grantType) {
		writeTokenError(w, fosite.ErrUnauthorizedClient.WithHintf("The client may not use the %q grant type.", grantType))
		return
	}

	var (
		resp *tokens.TokenResponse
		err  error
	)
	switch grantType {
	case grantTypeAuthorizationCode:
		resp, err = h.issuer.ExchangeCode(ctx, tokens.ExchangeRequest{
			Code:         req.PostForm.Get("code"),
			ClientID:     client.GetID(),
			RedirectURI:  req.PostForm.Get("redirect_uri"),
			CodeVerifier: req.PostForm.Get("code_verifier"),
		})
	case grantTypeRefreshToken:
		resp, err = h.issuer.Refresh(ctx, tokens.RefreshRequest{
			RefreshToken: req.PostForm.Get("refresh_token"),
			ClientID:     client.GetID(),
			Scopes:       scopes.Parse(req.PostForm.Get("scope")),
		})
	case grantTypeClientCredentials:
		resp, err = h.clientCredentials(req, client)
	}
	if err != nil {
		logger.Debugw("token request failed",
			"client_id", client.GetID(),
			"grant_type", grantType,
			"error", err,
		)
		writeTokenError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// clientCredentials issues a token for the scopes requested, or for every
// registered scope when none are.
func (h *Handler) clientCredentials(req *http.Request, client *clients.Client) (*tokens.TokenResponse, error) {
	requested := scopes.Parse(req.PostForm.Get("scope"))
	if len(requested) == 0 {
		requested = client.GetScopes()
	}
	if err := scopes.Validate(requested); err != nil {
		return nil, err
	}
	if bad, ok := client.AllowsScopes(requested); !ok {
		return nil, scopes.ErrInvalidScope.WithHintf("The client may not request scope %q.", bad)
	}
	return h.issuer.IssueClientCredentials(req.Context(), client.GetID(), requested)
}

// authenticateClient parses the form and authenticates the calling client,
// writing the error response itself on failure.
func (h *Handler) authenticateClient(w http.ResponseWriter, req *http.Request) (*clients.Client, bool) {
	if err := req.ParseForm(); err != nil {
		writeTokenError(w, fosite.ErrInvalidRequest.WithHint("Unable to parse the request body."))
		return nil, false
	}
	creds, err := clients.CredentialsFromRequest(req)
	if err != nil {
		writeTokenError(w, err)
		return nil, false
	}
	client, err := h.clients.Authenticate(req.Context(), creds)
	if err != nil {
		logger.Debugw("client authentication failed", "client_id", creds.ID, "method", creds.Method)
		writeTokenError(w, err)
		return nil, false
	}
	return client, true
}
