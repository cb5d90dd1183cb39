// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the only code_challenge_method accepted.
const PKCEChallengeMethodS256 = "S256"

// ErrPKCEMismatch is returned when a verifier does not hash to the stored challenge.
var ErrPKCEMismatch = errors.New("code_verifier does not match code_challenge")

// GeneratePKCEVerifier returns a fresh 43-character code_verifier
// (32 random bytes, base64url without padding).
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge returns BASE64URL(SHA256(verifier)).
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidPKCEValue reports whether v is a syntactically valid code_verifier or
// S256 code_challenge: 43 to 128 characters from the unreserved set.
func ValidPKCEValue(v string) bool {
	if len(v) < 43 || len(v) > 128 {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

// VerifyPKCE checks verifier against challenge in constant time.
func VerifyPKCE(verifier, challenge string) error {
	if !ValidPKCEValue(verifier) {
		return ErrPKCEMismatch
	}
	computed := ComputePKCEChallenge(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrPKCEMismatch
	}
	return nil
}
