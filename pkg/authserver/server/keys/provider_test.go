// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeECKey(t *testing.T, dir, name string) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
	return key
}

func TestFileProvider(t *testing.T) {
	t.Parallel()

	t.Run("signing and fallback keys are published", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeECKey(t, dir, "current.pem")
		writeECKey(t, dir, "previous.pem")

		p, err := NewFileProvider(Config{
			KeyDir:           dir,
			SigningKeyFile:   "current.pem",
			FallbackKeyFiles: []string{"previous.pem", "current.pem"},
		})
		require.NoError(t, err)

		signing, err := p.SigningKey(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "ES256", signing.Algorithm)

		pubs, err := p.PublicKeys(t.Context())
		require.NoError(t, err)
		require.Len(t, pubs, 2)
		assert.Equal(t, signing.KeyID, pubs[0].KeyID)
		assert.NotEqual(t, pubs[0].KeyID, pubs[1].KeyID)
	})

	t.Run("missing signing key file name", func(t *testing.T) {
		t.Parallel()
		_, err := NewFileProvider(Config{KeyDir: t.TempDir()})
		assert.ErrorContains(t, err, "signing key file is required")
	})

	t.Run("unreadable fallback", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeECKey(t, dir, "current.pem")
		_, err := NewFileProvider(Config{
			KeyDir:           dir,
			SigningKeyFile:   "current.pem",
			FallbackKeyFiles: []string{"gone.pem"},
		})
		assert.ErrorContains(t, err, "gone.pem")
	})
}

func TestGeneratingProvider(t *testing.T) {
	t.Parallel()

	p := NewGeneratingProvider("")
	first, err := p.SigningKey(t.Context())
	require.NoError(t, err)
	second, err := p.SigningKey(t.Context())
	require.NoError(t, err)
	assert.Equal(t, first.KeyID, second.KeyID)
	assert.Equal(t, DefaultAlgorithm, first.Algorithm)

	_, err = NewGeneratingProvider("RS256").SigningKey(t.Context())
	assert.ErrorContains(t, err, "unsupported algorithm")
}

func TestNewProviderFromConfig(t *testing.T) {
	t.Parallel()

	p, err := NewProviderFromConfig(Config{})
	require.NoError(t, err)
	assert.IsType(t, &GeneratingProvider{}, p)

	dir := t.TempDir()
	writeECKey(t, dir, "k.pem")
	p, err = NewProviderFromConfig(Config{KeyDir: dir, SigningKeyFile: "k.pem"})
	require.NoError(t, err)
	assert.IsType(t, &FileProvider{}, p)
}

func TestJWTSigner_SignIDToken(t *testing.T) {
	t.Parallel()

	p := NewGeneratingProvider("ES256")
	s := NewJWTSigner(p)
	now := time.Now().Truncate(time.Second)

	raw, err := s.SignIDToken(t.Context(), IDTokenClaims{
		Issuer:   "http://localhost:3000",
		Subject:  "acct-1",
		Audience: "my_app",
		Nonce:    "n-0S6",
		AuthTime: now.Add(-time.Minute),
		IssuedAt: now,
		Expiry:   now.Add(time.Hour),
		Extra:    map[string]any{"email": "user@example.com", "sub": "spoofed"},
	})
	require.NoError(t, err)

	set, err := JWKS(t.Context(), p)
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "sig", set.Keys[0].Use)

	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	require.Len(t, tok.Headers, 1)
	assert.Equal(t, set.Keys[0].KeyID, tok.Headers[0].KeyID)

	var registered jwt.Claims
	extra := map[string]any{}
	require.NoError(t, tok.Claims(set.Keys[0].Key, &registered, &extra))

	assert.Equal(t, "acct-1", registered.Subject)
	assert.Equal(t, jwt.Audience{"my_app"}, registered.Audience)
	assert.NoError(t, registered.ValidateWithLeeway(jwt.Expected{
		Issuer:      "http://localhost:3000",
		AnyAudience: jwt.Audience{"my_app"},
		Time:        now,
	}, 0))
	assert.Equal(t, "n-0S6", extra["nonce"])
	assert.Equal(t, "user@example.com", extra["email"])
	assert.InDelta(t, float64(now.Add(-time.Minute).Unix()), extra["auth_time"], 0)
}

func TestParseIDTokenHint(t *testing.T) {
	t.Parallel()

	provider := NewGeneratingProvider(DefaultAlgorithm)
	signer := NewJWTSigner(provider)
	past := time.Now().Add(-2 * time.Hour)

	raw, err := signer.SignIDToken(t.Context(), IDTokenClaims{
		Issuer:   "http://issuer.test",
		Subject:  "account-1",
		Audience: "my_app",
		IssuedAt: past,
		Expiry:   past.Add(time.Hour),
	})
	require.NoError(t, err)

	t.Run("expired token is still a valid hint", func(t *testing.T) {
		t.Parallel()
		claims, err := ParseIDTokenHint(t.Context(), provider, raw, "http://issuer.test")
		require.NoError(t, err)
		assert.Equal(t, "account-1", claims.Subject)
		assert.Equal(t, "my_app", claims.Audience)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		t.Parallel()
		_, err := ParseIDTokenHint(t.Context(), provider, raw, "http://other.test")
		require.ErrorIs(t, err, ErrInvalidIDTokenHint)
	})

	t.Run("foreign key", func(t *testing.T) {
		t.Parallel()
		_, err := ParseIDTokenHint(t.Context(), NewGeneratingProvider(DefaultAlgorithm), raw, "http://issuer.test")
		require.ErrorIs(t, err, ErrInvalidIDTokenHint)
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		_, err := ParseIDTokenHint(t.Context(), provider, "not-a-jwt", "http://issuer.test")
		require.ErrorIs(t, err, ErrInvalidIDTokenHint)
	})
}
