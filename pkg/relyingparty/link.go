// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relyingparty

import (
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/authgate/pkg/authserver/accounts"
	"github.com/stacklok/authgate/pkg/logger"
)

// linkedUsernamePrefix names accounts keyed on the upstream subject.
const linkedUsernamePrefix = "oauth_"

// usernameClaims are tried in order before falling back to the subject.
var usernameClaims = []string{"preferred_username", "nickname", "email"}

func stringClaim(claims map[string]any, name string) string {
	s, _ := claims[name].(string)
	return s
}

// linkedUsername derives the local username for a userinfo profile.
func linkedUsername(claims map[string]any, bySubject bool) (string, error) {
	sub := stringClaim(claims, "sub")
	if sub == "" {
		return "", errors.New("userinfo response has no sub claim")
	}
	if !bySubject {
		for _, name := range usernameClaims {
			if v := stringClaim(claims, name); v != "" {
				return v, nil
			}
		}
	}
	return linkedUsernamePrefix + sub, nil
}

// linkAccount finds the local account for a profile, creating one without
// a password if none exists. An existing account is returned unchanged.
func linkAccount(
	ctx context.Context, dir accounts.Directory, claims map[string]any, bySubject bool,
) (*accounts.Account, bool, error) {
	username, err := linkedUsername(claims, bySubject)
	if err != nil {
		return nil, false, err
	}

	acct, err := dir.FindByUsername(ctx, username)
	if err == nil {
		return acct, false, nil
	}
	if !errors.Is(err, accounts.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to look up account: %w", err)
	}

	emailVerified, _ := claims["email_verified"].(bool)
	acct, err = dir.Create(ctx, &accounts.Account{
		Username:        username,
		Email:           stringClaim(claims, "email"),
		EmailVerified:   emailVerified,
		Name:            stringClaim(claims, "name"),
		GivenName:       stringClaim(claims, "given_name"),
		FamilyName:      stringClaim(claims, "family_name"),
		Nickname:        stringClaim(claims, "nickname"),
		Picture:         stringClaim(claims, "picture"),
		ExternalSubject: stringClaim(claims, "sub"),
	})
	if errors.Is(err, accounts.ErrUsernameTaken) {
		// A concurrent callback created it first.
		acct, err = dir.FindByUsername(ctx, username)
		if err != nil {
			return nil, false, fmt.Errorf("failed to look up account: %w", err)
		}
		return acct, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create account: %w", err)
	}

	logger.Infow("linked new account", "account_id", acct.ID, "username", acct.Username)
	return acct, true, nil
}
