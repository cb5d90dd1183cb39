// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package clients

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Config describes one client registration as it appears in configuration.
type Config struct {
	ID   string `mapstructure:"client_id" yaml:"client_id"`
	Name string `mapstructure:"client_name" yaml:"client_name,omitempty"`

	// Secret is the plain client secret. It is hashed when the registry is built.
	Secret string `mapstructure:"client_secret" yaml:"client_secret,omitempty"`

	// SecretHash is a pre-computed bcrypt hash, used instead of Secret.
	SecretHash string `mapstructure:"client_secret_hash" yaml:"client_secret_hash,omitempty"`

	RedirectURIs            []string `mapstructure:"redirect_uris" yaml:"redirect_uris,omitempty"`
	PostLogoutRedirectURIs  []string `mapstructure:"post_logout_redirect_uris" yaml:"post_logout_redirect_uris,omitempty"`
	GrantTypes              []string `mapstructure:"grant_types" yaml:"grant_types,omitempty"`
	ResponseTypes           []string `mapstructure:"response_types" yaml:"response_types,omitempty"`
	Scope                   string   `mapstructure:"scope" yaml:"scope,omitempty"`
	TokenEndpointAuthMethod string   `mapstructure:"token_endpoint_auth_method" yaml:"token_endpoint_auth_method,omitempty"`
	ApplicationType         string   `mapstructure:"application_type" yaml:"application_type,omitempty"`
}

// Public reports whether the client authenticates without a secret.
func (c *Config) Public() bool {
	return c.TokenEndpointAuthMethod == AuthMethodNone
}

// Validate checks that the registration is usable.
func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("client_id is required")
	}
	switch c.TokenEndpointAuthMethod {
	case AuthMethodBasic, AuthMethodPost:
		if c.Secret == "" && c.SecretHash == "" {
			return fmt.Errorf("client %q: %s requires a secret", c.ID, c.TokenEndpointAuthMethod)
		}
	case AuthMethodNone:
		if c.Secret != "" || c.SecretHash != "" {
			return fmt.Errorf("client %q: public clients must not have a secret", c.ID)
		}
	default:
		return fmt.Errorf("client %q: unsupported token_endpoint_auth_method %q", c.ID, c.TokenEndpointAuthMethod)
	}
	if slices.Contains(c.ResponseTypes, "code") && len(c.RedirectURIs) == 0 {
		return fmt.Errorf("client %q: at least one redirect_uri is required", c.ID)
	}
	for _, uri := range c.RedirectURIs {
		u, err := url.Parse(uri)
		if err != nil || !u.IsAbs() || u.Fragment != "" {
			return fmt.Errorf("client %q: invalid redirect_uri %q", c.ID, uri)
		}
	}
	return nil
}

// DefaultConfigs returns the built-in demo client registrations.
func DefaultConfigs() []Config {
	codeFlow := []string{"authorization_code", "refresh_token"}
	return []Config{
		{
			ID:                      "my_app",
			Name:                    "Sunshine Boutique",
			Secret:                  "demo-client-secret",
			RedirectURIs:            []string{"http://localhost:3001/callback"},
			PostLogoutRedirectURIs:  []string{"http://localhost:3001", "http://localhost:3001/login"},
			GrantTypes:              codeFlow,
			ResponseTypes:           []string{"code"},
			Scope:                   "openid profile email offline_access",
			TokenEndpointAuthMethod: AuthMethodBasic,
			ApplicationType:         ApplicationTypeWeb,
		},
		{
			ID:                      "mobile_app",
			RedirectURIs:            []string{"http://localhost:4200/callback"},
			PostLogoutRedirectURIs:  []string{"http://localhost:4200"},
			GrantTypes:              codeFlow,
			ResponseTypes:           []string{"code"},
			Scope:                   "openid profile email",
			TokenEndpointAuthMethod: AuthMethodNone,
			ApplicationType:         ApplicationTypeWeb,
		},
		{
			ID:                      "service_client",
			Secret:                  "service-client-secret",
			GrantTypes:              []string{"client_credentials"},
			Scope:                   "api:read api:write",
			TokenEndpointAuthMethod: AuthMethodPost,
		},
		{
			ID:                      "native_app",
			RedirectURIs:            []string{"myapp://callback", "http://127.0.0.1/callback"},
			PostLogoutRedirectURIs:  []string{"myapp://logout"},
			GrantTypes:              codeFlow,
			ResponseTypes:           []string{"code"},
			Scope:                   "openid profile email offline_access",
			TokenEndpointAuthMethod: AuthMethodNone,
			ApplicationType:         ApplicationTypeNative,
		},
	}
}

type clientsFile struct {
	Clients []Config `yaml:"clients"`
}

// LoadFile reads client registrations from a YAML file with a top-level
// "clients" list.
func LoadFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read clients file: %w", err)
	}
	var f clientsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse clients file %s: %w", path, err)
	}
	return f.Clients, nil
}
