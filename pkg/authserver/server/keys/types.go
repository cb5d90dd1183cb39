// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys provides the signing keys for id_tokens and the public
// key set served at the JWKS endpoint.
package keys

import (
	"crypto"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// DefaultAlgorithm is used when a key is generated.
const DefaultAlgorithm = "ES256"

// ErrNoSigningKey is returned when a provider has no key to sign with.
var ErrNoSigningKey = errors.New("no signing key available")

// SigningKey is a private key with its id and algorithm.
type SigningKey struct {
	KeyID     string
	Algorithm string
	Key       crypto.Signer
	CreatedAt time.Time
}

// Public returns the verification half of the key.
func (k *SigningKey) Public() *PublicKey {
	return &PublicKey{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		Key:       k.Key.Public(),
		CreatedAt: k.CreatedAt,
	}
}

// PublicKey is a key advertised for verification.
type PublicKey struct {
	KeyID     string
	Algorithm string
	Key       crypto.PublicKey
	CreatedAt time.Time
}

// JWK returns the key as a JSON Web Key with use "sig".
func (k *PublicKey) JWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.Key,
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		Use:       "sig",
	}
}
