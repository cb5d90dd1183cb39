// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/ory/fosite"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/authgate/pkg/authserver/scopes"
	"github.com/stacklok/authgate/pkg/logger"
)

// Credentials are what a client presented at the token, revocation or
// introspection endpoint.
type Credentials struct {
	ID     string
	Secret string
	// Method is the authentication method the request actually used.
	Method string
}

// Registry resolves and authenticates registered clients.
type Registry struct {
	clients map[string]*Client

	// dummyHash absorbs the comparison cost for unknown client ids.
	dummyHash []byte
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	cost int
}

// WithSecretCost sets the bcrypt cost used to hash plain client secrets.
func WithSecretCost(cost int) RegistryOption {
	return func(o *registryOptions) {
		o.cost = cost
	}
}

// NewRegistry validates and registers cfgs.
func NewRegistry(cfgs []Config, opts ...RegistryOption) (*Registry, error) {
	o := registryOptions{cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Registry{clients: make(map[string]*Client, len(cfgs))}
	for i := range cfgs {
		c, err := build(&cfgs[i], o.cost)
		if err != nil {
			return nil, err
		}
		if _, dup := r.clients[c.ID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q", c.ID)
		}
		r.clients[c.ID] = c
		logger.Debugw("registered client", "client_id", c.ID, "auth_method", c.AuthMethod)
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("unused-client-secret"), o.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare client authentication: %w", err)
	}
	r.dummyHash = dummy
	return r, nil
}

func build(cfg *Config, cost int) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	requested := scopes.Parse(cfg.Scope)
	if err := scopes.Validate(requested); err != nil {
		return nil, fmt.Errorf("client %q: scope %q: %w", cfg.ID, cfg.Scope, err)
	}

	dc := &fosite.DefaultClient{
		ID:            cfg.ID,
		RedirectURIs:  cfg.RedirectURIs,
		GrantTypes:    cfg.GrantTypes,
		ResponseTypes: cfg.ResponseTypes,
		Scopes:        requested,
		Public:        cfg.Public(),
	}
	switch {
	case cfg.SecretHash != "":
		dc.Secret = []byte(cfg.SecretHash)
	case cfg.Secret != "":
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Secret), cost)
		if err != nil {
			return nil, fmt.Errorf("client %q: failed to hash secret: %w", cfg.ID, err)
		}
		dc.Secret = hash
	}

	return &Client{
		DefaultClient:          dc,
		Name:                   cfg.Name,
		AuthMethod:             cfg.TokenEndpointAuthMethod,
		ApplicationType:        cfg.ApplicationType,
		PostLogoutRedirectURIs: cfg.PostLogoutRedirectURIs,
	}, nil
}

// Get returns the client registered under id, or fosite.ErrInvalidClient.
func (r *Registry) Get(_ context.Context, id string) (*Client, error) {
	c, ok := r.clients[id]
	if !ok {
		return nil, fosite.ErrInvalidClient.WithHint("The requested OAuth 2.0 Client does not exist.")
	}
	return c, nil
}

// IDs returns the registered client ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Authenticate checks creds against the registration. The presented method
// must be the registered one; a public client must not present a secret.
func (r *Registry) Authenticate(ctx context.Context, creds Credentials) (*Client, error) {
	c, err := r.Get(ctx, creds.ID)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(r.dummyHash, []byte(creds.Secret))
		return nil, err
	}

	if creds.Method != c.AuthMethod {
		return nil, fosite.ErrInvalidClient.WithHintf(
			"Client authentication method %q does not match the registered method %q.", creds.Method, c.AuthMethod)
	}
	if c.IsPublic() {
		return c, nil
	}
	if err := bcrypt.CompareHashAndPassword(c.GetHashedSecret(), []byte(creds.Secret)); err != nil {
		return nil, fosite.ErrInvalidClient.WithHint("Client authentication failed.")
	}
	return c, nil
}

// CredentialsFromRequest extracts client credentials from the Authorization
// header (client_secret_basic) or the form body (client_secret_post, none).
// The request form must already be parsed.
func CredentialsFromRequest(r *http.Request) (Credentials, error) {
	formID := r.PostForm.Get("client_id")
	formSecret := r.PostForm.Get("client_secret")

	if id, secret, ok := r.BasicAuth(); ok {
		if formSecret != "" {
			return Credentials{}, fosite.ErrInvalidRequest.WithHint(
				"Client credentials must not be sent in both the Authorization header and the body.")
		}
		// RFC 6749 2.3.1: both parts are form-urlencoded before basic encoding.
		decodedID, err := url.QueryUnescape(id)
		if err != nil {
			return Credentials{}, fosite.ErrInvalidClient.WithHint("Malformed client_id in Authorization header.")
		}
		decodedSecret, err := url.QueryUnescape(secret)
		if err != nil {
			return Credentials{}, fosite.ErrInvalidClient.WithHint("Malformed client_secret in Authorization header.")
		}
		if formID != "" && subtle.ConstantTimeCompare([]byte(formID), []byte(decodedID)) != 1 {
			return Credentials{}, fosite.ErrInvalidRequest.WithHint("client_id in body does not match the Authorization header.")
		}
		return Credentials{ID: decodedID, Secret: decodedSecret, Method: AuthMethodBasic}, nil
	}

	if formID == "" {
		return Credentials{}, fosite.ErrInvalidClient.WithHint("Client authentication is required.")
	}
	if formSecret != "" {
		return Credentials{ID: formID, Secret: formSecret, Method: AuthMethodPost}, nil
	}
	return Credentials{ID: formID, Method: AuthMethodNone}, nil
}
