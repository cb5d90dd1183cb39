// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePEM(t *testing.T, pemType string, der []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadSigningKey(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	smallRSA, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pkcs8 := func(k any) []byte {
		der, err := x509.MarshalPKCS8PrivateKey(k)
		require.NoError(t, err)
		return der
	}
	ecDER, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)

	tests := []struct {
		name     string
		pemType  string
		der      []byte
		wantType any
		wantErr  string
	}{
		{"RSA PKCS1", "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rsaKey), &rsa.PrivateKey{}, ""},
		{"RSA PKCS8", "PRIVATE KEY", pkcs8(rsaKey), &rsa.PrivateKey{}, ""},
		{"EC SEC1", "EC PRIVATE KEY", ecDER, &ecdsa.PrivateKey{}, ""},
		{"EC PKCS8", "PRIVATE KEY", pkcs8(ecKey), &ecdsa.PrivateKey{}, ""},
		{"Ed25519 PKCS8", "PRIVATE KEY", pkcs8(edKey), ed25519.PrivateKey{}, ""},
		{"small RSA", "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(smallRSA), nil, "below minimum required"},
		{"garbage", "PRIVATE KEY", []byte("garbage"), nil, "failed to parse signing key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			signer, err := LoadSigningKey(writePEM(t, tt.pemType, tt.der))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, signer)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, signer)
		})
	}

	t.Run("not PEM", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "key.pem")
		require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))
		_, err := LoadSigningKey(path)
		assert.ErrorContains(t, err, "failed to decode PEM block")
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := LoadSigningKey(filepath.Join(t.TempDir(), "absent.pem"))
		assert.ErrorContains(t, err, "failed to read signing key")
	})
}

func TestDeriveAlgorithm(t *testing.T) {
	t.Parallel()

	gen := func(c elliptic.Curve) crypto.Signer {
		k, err := ecdsa.GenerateKey(c, rand.Reader)
		require.NoError(t, err)
		return k
	}
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tests := map[string]struct {
		key  crypto.Signer
		want string
	}{
		"RS256": {rsaKey, "RS256"},
		"ES256": {gen(elliptic.P256()), "ES256"},
		"ES384": {gen(elliptic.P384()), "ES384"},
		"ES512": {gen(elliptic.P521()), "ES512"},
		"EdDSA": {edKey, "EdDSA"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, err := DeriveAlgorithm(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeriveSigningKeyParams(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     crypto.Signer
		keyID   string
		alg     string
		wantAlg string
		wantErr string
	}{
		{"derive everything for EC", p256, "", "", "ES256", ""},
		{"derive everything for Ed25519", edKey, "", "", "EdDSA", ""},
		{"explicit values kept", rsaKey, "kid-1", "PS256", "PS256", ""},
		{"ES256 on RSA", rsaKey, "", "ES256", "", "not compatible with RSA"},
		{"ES256 on P-384", p384, "", "ES256", "", "not compatible with EC key"},
		{"RS256 on Ed25519", edKey, "", "RS256", "", "not compatible with Ed25519"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			params, err := DeriveSigningKeyParams(tt.key, tt.keyID, tt.alg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlg, params.Algorithm)
			if tt.keyID != "" {
				assert.Equal(t, tt.keyID, params.KeyID)
			} else {
				assert.NotEmpty(t, params.KeyID)
			}
		})
	}
}

func TestDeriveKeyID(t *testing.T) {
	t.Parallel()

	k1, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	k2, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	id1, err := DeriveKeyID(k1)
	require.NoError(t, err)
	again, err := DeriveKeyID(k1)
	require.NoError(t, err)
	id2, err := DeriveKeyID(k2)
	require.NoError(t, err)

	assert.Equal(t, id1, again)
	assert.NotEqual(t, id1, id2)
	// SHA-256 thumbprint, base64url without padding.
	assert.Len(t, id1, 43)
}
