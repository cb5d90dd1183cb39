// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// IDTokenClaims are the registered claims of an id_token. Profile claims
// travel separately in Extra.
type IDTokenClaims struct {
	Issuer   string
	Subject  string
	Audience string
	Nonce    string
	AuthTime time.Time
	IssuedAt time.Time
	Expiry   time.Time
	Extra    map[string]any
}

// Signer produces compact JWS id_tokens.
type Signer interface {
	SignIDToken(ctx context.Context, claims IDTokenClaims) (string, error)
}

// JWTSigner signs with the provider's current key and stamps its kid header.
type JWTSigner struct {
	provider KeyProvider
}

// NewJWTSigner returns a signer backed by provider.
func NewJWTSigner(provider KeyProvider) *JWTSigner {
	return &JWTSigner{provider: provider}
}

// SignIDToken implements Signer.
func (s *JWTSigner) SignIDToken(ctx context.Context, c IDTokenClaims) (string, error) {
	key, err := s.provider.SigningKey(ctx)
	if err != nil {
		return "", err
	}
	if key == nil || key.Key == nil {
		return "", ErrNoSigningKey
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.SignatureAlgorithm(key.Algorithm), Key: key.Key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KeyID),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	registered := jwt.Claims{
		Issuer:   c.Issuer,
		Subject:  c.Subject,
		Audience: jwt.Audience{c.Audience},
		IssuedAt: jwt.NewNumericDate(c.IssuedAt),
		Expiry:   jwt.NewNumericDate(c.Expiry),
	}
	extra := make(map[string]any, len(c.Extra)+2)
	for k, v := range c.Extra {
		switch k {
		case "iss", "sub", "aud", "iat", "exp", "nbf", "jti", "nonce", "auth_time":
			continue
		}
		extra[k] = v
	}
	if c.Nonce != "" {
		extra["nonce"] = c.Nonce
	}
	if !c.AuthTime.IsZero() {
		extra["auth_time"] = c.AuthTime.Unix()
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(extra).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign id_token: %w", err)
	}
	return token, nil
}

// JWKS returns every public key of the provider as a key set.
func JWKS(ctx context.Context, provider KeyProvider) (*jose.JSONWebKeySet, error) {
	pubs, err := provider.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(pubs))}
	for _, p := range pubs {
		set.Keys = append(set.Keys, p.JWK())
	}
	return set, nil
}

// ErrInvalidIDTokenHint is returned when an id_token_hint was not issued by this server.
var ErrInvalidIDTokenHint = errors.New("invalid id_token_hint")

var hintAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256, jose.ES384, jose.ES512, jose.RS256, jose.PS256,
}

// ParseIDTokenHint verifies the signature and issuer of an id_token issued
// with one of the provider's keys. Expiry is not checked, since an expired
// id_token is still a valid logout hint.
func ParseIDTokenHint(ctx context.Context, provider KeyProvider, raw, issuer string) (*IDTokenClaims, error) {
	tok, err := jwt.ParseSigned(raw, hintAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidIDTokenHint, err)
	}
	if len(tok.Headers) == 0 {
		return nil, ErrInvalidIDTokenHint
	}
	kid := tok.Headers[0].KeyID

	pubs, err := provider.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, pub := range pubs {
		if pub.KeyID != kid {
			continue
		}
		var registered jwt.Claims
		if err := tok.Claims(pub.Key, &registered); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidIDTokenHint, err)
		}
		if registered.Issuer != issuer {
			return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidIDTokenHint, registered.Issuer)
		}
		claims := &IDTokenClaims{Issuer: registered.Issuer, Subject: registered.Subject}
		if len(registered.Audience) > 0 {
			claims.Audience = registered.Audience[0]
		}
		if registered.Expiry != nil {
			claims.Expiry = registered.Expiry.Time()
		}
		return claims, nil
	}
	return nil, fmt.Errorf("%w: unknown key id %q", ErrInvalidIDTokenHint, kid)
}

var _ Signer = (*JWTSigner)(nil)
