// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"net/http"

	"github.com/stacklok/authgate/pkg/authserver/clients"
	"github.com/stacklok/authgate/pkg/authserver/scopes"
	"github.com/stacklok/authgate/pkg/authserver/server/crypto"
	"github.com/stacklok/authgate/pkg/authserver/server/keys"
	"github.com/stacklok/authgate/pkg/logger"
)

// Cache-Control max-age values for the well-known endpoints.
const (
	// DefaultJWKSCacheMaxAge is the Cache-Control max-age for the JWKS endpoint (1 hour).
	DefaultJWKSCacheMaxAge = 3600

	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the discovery endpoint (1 hour).
	DefaultDiscoveryCacheMaxAge = 3600
)

// OIDCDiscoveryDocument is the OpenID Provider metadata (OIDC Discovery 1.0).
type OIDCDiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// signingAlgorithms lists the algorithms of the published keys. With no
// keys it falls back to the default algorithm.
func (h *Handler) signingAlgorithms(req *http.Request) []string {
	pubs, err := h.keys.PublicKeys(req.Context())
	if err != nil {
		logger.Warnw("failed to list public keys", "error", err)
	}
	seen := make(map[string]bool)
	var algs []string
	for _, k := range pubs {
		if k.Algorithm != "" && !seen[k.Algorithm] {
			seen[k.Algorithm] = true
			algs = append(algs, k.Algorithm)
		}
	}
	if len(algs) == 0 {
		return []string{keys.DefaultAlgorithm}
	}
	return algs
}

// JWKSHandler handles GET /.well-known/jwks.json requests.
func (h *Handler) JWKSHandler(w http.ResponseWriter, req *http.Request) {
	set, err := keys.JWKS(req.Context(), h.keys)
	if err != nil {
		logger.Errorw("failed to load JWKS", "error", err)
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultJWKSCacheMaxAge))
	writeJSON(w, http.StatusOK, set)
}

// OIDCDiscoveryHandler handles GET /.well-known/openid-configuration requests.
func (h *Handler) OIDCDiscoveryHandler(w http.ResponseWriter, req *http.Request) {
	issuer := h.config.Issuer
	doc := OIDCDiscoveryDocument{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + "/oauth/authorize",
		TokenEndpoint:         issuer + "/oauth/token",
		UserinfoEndpoint:      issuer + "/oauth/userinfo",
		JWKSURI:               issuer + "/.well-known/jwks.json",
		RevocationEndpoint:    issuer + "/oauth/revoke",
		IntrospectionEndpoint: issuer + "/oauth/introspect",
		EndSessionEndpoint:    issuer + "/oauth/logout",
		ScopesSupported:       scopes.All(),
		ResponseTypesSupported: []string{
			"code",
		},
		GrantTypesSupported: []string{
			grantTypeAuthorizationCode,
			grantTypeRefreshToken,
			grantTypeClientCredentials,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: h.signingAlgorithms(req),
		TokenEndpointAuthMethodsSupported: []string{
			clients.AuthMethodBasic,
			clients.AuthMethodPost,
			clients.AuthMethodNone,
		},
		CodeChallengeMethodsSupported: []string{crypto.PKCEChallengeMethodS256},
		ClaimsSupported:               scopes.ClaimsFor(scopes.All()),
	}

	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	writeJSON(w, http.StatusOK, doc)
}
