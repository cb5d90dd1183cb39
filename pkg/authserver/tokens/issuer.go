// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens mints and redeems authorization codes, access tokens,
// refresh tokens and id_tokens.
//
// Codes and tokens are opaque random strings. Only their SHA-256 digest is
// used as the record id, so the store never holds a usable credential.
// Redeeming a code or refresh token consumes its record; a consumed record
// is kept until it expires so that a second redemption is recognized as a
// replay and revokes the whole grant.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ory/fosite"

	"github.com/stacklok/authgate/pkg/authserver/accounts"
	"github.com/stacklok/authgate/pkg/authserver/scopes"
	servercrypto "github.com/stacklok/authgate/pkg/authserver/server/crypto"
	"github.com/stacklok/authgate/pkg/authserver/server/keys"
	"github.com/stacklok/authgate/pkg/authserver/storage"
	apperrors "github.com/stacklok/authgate/pkg/errors"
	"github.com/stacklok/authgate/pkg/logger"
)

// ErrInvalidToken is returned when a bearer token is missing, unknown or expired.
var ErrInvalidToken = &fosite.RFC6749Error{
	ErrorField:       "invalid_token",
	DescriptionField: "The access token is missing, expired or revoked.",
	CodeField:        http.StatusUnauthorized,
}

// GrantRevoker revokes a grant and everything issued under it.
type GrantRevoker interface {
	Revoke(ctx context.Context, grantID string) error
}

// AccountFinder resolves the account behind a grant for identity claims.
type AccountFinder interface {
	FindByID(ctx context.Context, id string) (*accounts.Account, error)
}

// Issuer mints and redeems credentials.
type Issuer struct {
	issuer   string
	store    storage.RecordStore
	grants   GrantRevoker
	accounts AccountFinder
	signer   keys.Signer
	ttl      TTLs
	now      func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTLs overrides the credential lifetimes. Zero fields keep their default.
func WithTTLs(ttl TTLs) Option {
	return func(i *Issuer) {
		def := DefaultTTLs()
		i.ttl = TTLs{
			AuthorizationCode: orDefault(ttl.AuthorizationCode, def.AuthorizationCode),
			AccessToken:       orDefault(ttl.AccessToken, def.AccessToken),
			RefreshToken:      orDefault(ttl.RefreshToken, def.RefreshToken),
			IDToken:           orDefault(ttl.IDToken, def.IDToken),
			ClientCredentials: orDefault(ttl.ClientCredentials, def.ClientCredentials),
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// NewIssuer creates an Issuer that stamps issuer into id_tokens.
func NewIssuer(
	issuer string,
	store storage.RecordStore,
	grantStore GrantRevoker,
	accountFinder AccountFinder,
	signer keys.Signer,
	opts ...Option,
) *Issuer {
	i := &Issuer{
		issuer:   issuer,
		store:    store,
		grants:   grantStore,
		accounts: accountFinder,
		signer:   signer,
		ttl:      DefaultTTLs(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// TTLs returns the effective credential lifetimes.
func (i *Issuer) TTLs() TTLs {
	return i.ttl
}

// IssueCode mints an authorization code bound to the grant.
func (i *Issuer) IssueCode(ctx context.Context, req CodeRequest) (string, error) {
	if req.GrantID == "" || req.ClientID == "" || req.RedirectURI == "" {
		return "", errors.New("authorization code requires a grant, a client and a redirect URI")
	}

	code := rand.Text()
	payload, err := storage.NewPayload(codeData{
		ClientID:            req.ClientID,
		AccountID:           req.AccountID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		Scopes:              scopes.Normalize(req.Scopes),
		AuthTime:            req.AuthTime.UTC(),
	})
	if err != nil {
		return "", err
	}
	payload.GrantID = req.GrantID

	if err := i.store.Upsert(ctx, storage.KindAuthorizationCode, digest(code), payload, i.ttl.AuthorizationCode); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	logger.Debugw("authorization code issued", "client_id", req.ClientID, "grant_id", req.GrantID)
	return code, nil
}

// ExchangeCode redeems an authorization code. The code is consumed before
// any check runs, so a failed attempt cannot be retried with the same code.
func (i *Issuer) ExchangeCode(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'code' parameter is required.")
	}
	id := digest(req.Code)

	rec, err := i.redeem(ctx, storage.KindAuthorizationCode, id, req.ClientID)
	if err != nil {
		return nil, err
	}

	var data codeData
	if err := rec.Decode(&data); err != nil {
		return nil, err
	}
	if data.ClientID != req.ClientID {
		logger.Warnw("authorization code presented by another client",
			"client_id", req.ClientID,
			"grant_id", rec.GrantID,
		)
		return nil, fosite.ErrInvalidGrant.WithHint("The authorization code was issued to another client.")
	}
	if data.RedirectURI != req.RedirectURI {
		return nil, fosite.ErrInvalidGrant.WithHint("The 'redirect_uri' does not match the authorization request.")
	}
	if err := checkPKCE(data, req.CodeVerifier); err != nil {
		return nil, err
	}

	resp, err := i.mint(ctx, mintRequest{
		grantID:   rec.GrantID,
		clientID:  data.ClientID,
		accountID: data.AccountID,
		scopes:    data.Scopes,
		keep:      data.Scopes,
		nonce:     data.Nonce,
		authTime:  data.AuthTime,
	})
	if err != nil {
		return nil, err
	}

	logger.Infow("authorization code exchanged",
		"client_id", data.ClientID,
		"grant_id", rec.GrantID,
		"refresh_token", resp.RefreshToken != "",
	)
	return resp, nil
}

func checkPKCE(data codeData, verifier string) error {
	if data.CodeChallenge == "" {
		if verifier != "" {
			return fosite.ErrInvalidGrant.WithHint("The authorization request did not include a code challenge.")
		}
		return nil
	}
	if data.CodeChallengeMethod != servercrypto.PKCEChallengeMethodS256 {
		return fosite.ErrInvalidGrant.WithHint("Unsupported code challenge method.")
	}
	if verifier == "" {
		return fosite.ErrInvalidGrant.WithHint("The 'code_verifier' parameter is required.")
	}
	if err := servercrypto.VerifyPKCE(verifier, data.CodeChallenge); err != nil {
		return fosite.ErrInvalidGrant.WithHint("The PKCE code verifier does not match the code challenge.")
	}
	return nil
}

// Refresh redeems a refresh token and rotates it.
func (i *Issuer) Refresh(ctx context.Context, req RefreshRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'refresh_token' parameter is required.")
	}

	rec, err := i.redeem(ctx, storage.KindRefreshToken, digest(req.RefreshToken), req.ClientID)
	if err != nil {
		return nil, err
	}

	var data tokenData
	if err := rec.Decode(&data); err != nil {
		return nil, err
	}
	if data.ClientID != req.ClientID {
		logger.Warnw("refresh token presented by another client",
			"client_id", req.ClientID,
			"grant_id", rec.GrantID,
		)
		return nil, fosite.ErrInvalidGrant.WithHint("The refresh token was issued to another client.")
	}

	granted := data.Scopes
	if len(req.Scopes) > 0 {
		if err := scopes.Subset(req.Scopes, data.Scopes); err != nil {
			return nil, scopes.ErrInvalidScope.WithHint(err.Error())
		}
		granted = scopes.Normalize(req.Scopes)
	}

	resp, err := i.mint(ctx, mintRequest{
		grantID:   rec.GrantID,
		clientID:  data.ClientID,
		accountID: data.AccountID,
		scopes:    granted,
		keep:      data.Scopes,
		nonce:     data.Nonce,
		authTime:  data.AuthTime,
		rotate:    true,
	})
	if err != nil {
		return nil, err
	}

	logger.Debugw("refresh token rotated", "client_id", data.ClientID, "grant_id", rec.GrantID)
	return resp, nil
}

// IssueClientCredentials mints an access token for a client acting on its
// own behalf. No grant, refresh token or id_token is involved.
func (i *Issuer) IssueClientCredentials(ctx context.Context, clientID string, granted fosite.Arguments) (*TokenResponse, error) {
	granted = scopes.Normalize(granted)
	if granted.Has(scopes.OpenID) || granted.Has(scopes.OfflineAccess) {
		return nil, scopes.ErrInvalidScope.WithHint("Identity scopes cannot be requested with client credentials.")
	}

	access, err := i.storeToken(ctx, storage.KindAccessToken, "", tokenData{
		ClientID: clientID,
		Scopes:   granted,
	}, i.ttl.ClientCredentials)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(i.ttl.ClientCredentials.Seconds()),
		Scope:       strings.Join(granted, " "),
	}, nil
}

// redeem finds and consumes a single-use record. A record that was already
// consumed is a replay: the grant it belongs to is revoked.
func (i *Issuer) redeem(ctx context.Context, kind storage.Kind, id, clientID string) (*storage.Record, error) {
	rec, err := i.store.Find(ctx, kind, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fosite.ErrInvalidGrant.WithHintf("The %s is invalid, expired or revoked.", credentialName(kind))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", credentialName(kind), err)
	}
	if rec.Consumed() {
		return nil, i.replay(ctx, kind, rec.GrantID, clientID)
	}

	err = i.store.Consume(ctx, kind, id)
	if errors.Is(err, storage.ErrAlreadyConsumed) {
		return nil, i.replay(ctx, kind, rec.GrantID, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", credentialName(kind), err)
	}

	// Consume is a no-op on a record deleted since Find, by expiry or by a
	// concurrent revocation. Only a record that is still there was ours.
	_, err = i.store.Find(ctx, kind, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fosite.ErrInvalidGrant.WithHintf("The %s is invalid, expired or revoked.", credentialName(kind))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", credentialName(kind), err)
	}
	return rec, nil
}

func (i *Issuer) replay(ctx context.Context, kind storage.Kind, grantID, clientID string) error {
	logger.Warnw("single-use credential presented twice, revoking grant",
		"kind", kind,
		"client_id", clientID,
		"grant_id", grantID,
	)
	if grantID != "" {
		if err := i.grants.Revoke(ctx, grantID); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %w",
		fosite.ErrInvalidGrant.WithHintf("The %s has already been used.", credentialName(kind)),
		apperrors.NewReplayError(string(kind)+" reused", nil),
	)
}

type mintRequest struct {
	grantID   string
	clientID  string
	accountID string
	scopes    fosite.Arguments
	// keep is the scope carried by the refresh token, which may be wider
	// than an access token narrowed at refresh.
	keep     fosite.Arguments
	nonce    string
	authTime time.Time
	rotate   bool
}

func (i *Issuer) mint(ctx context.Context, m mintRequest) (*TokenResponse, error) {
	now := i.now()

	access, err := i.storeToken(ctx, storage.KindAccessToken, m.grantID, tokenData{
		ClientID:  m.clientID,
		AccountID: m.accountID,
		Scopes:    m.scopes,
		AuthTime:  m.authTime,
	}, i.ttl.AccessToken)
	if err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(i.ttl.AccessToken.Seconds()),
		Scope:       strings.Join(m.scopes, " "),
	}

	if m.keep.Has(scopes.OfflineAccess) {
		resp.RefreshToken, err = i.storeToken(ctx, storage.KindRefreshToken, m.grantID, tokenData{
			ClientID:  m.clientID,
			AccountID: m.accountID,
			Scopes:    m.keep,
			Nonce:     m.nonce,
			AuthTime:  m.authTime,
		}, i.ttl.RefreshToken)
		if err != nil {
			return nil, err
		}
	}

	if m.scopes.Has(scopes.OpenID) && m.accountID != "" {
		claims, err := i.identityClaims(ctx, m.accountID, m.scopes)
		if err != nil {
			return nil, err
		}
		// The nonce is only echoed on the first id_token of an authorization.
		nonce := m.nonce
		if m.rotate {
			nonce = ""
		}
		resp.IDToken, err = i.signer.SignIDToken(ctx, keys.IDTokenClaims{
			Issuer:   i.issuer,
			Subject:  m.accountID,
			Audience: m.clientID,
			Nonce:    nonce,
			AuthTime: m.authTime,
			IssuedAt: now,
			Expiry:   now.Add(i.ttl.IDToken),
			Extra:    claims,
		})
		if err != nil {
			return nil, apperrors.NewInternalError("failed to sign id_token", err)
		}
	}
	return resp, nil
}

func (i *Issuer) storeToken(ctx context.Context, kind storage.Kind, grantID string, data tokenData, ttl time.Duration) (string, error) {
	now := i.now().UTC()
	data.IssuedAt = now
	data.ExpiresAt = now.Add(ttl)

	token := rand.Text()
	payload, err := storage.NewPayload(data)
	if err != nil {
		return "", err
	}
	payload.GrantID = grantID
	if err := i.store.Upsert(ctx, kind, digest(token), payload, ttl); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", credentialName(kind), err)
	}
	return token, nil
}

func (i *Issuer) identityClaims(ctx context.Context, accountID string, granted fosite.Arguments) (map[string]any, error) {
	account, err := i.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}
	return scopes.FilterClaims(account.Claims(), granted), nil
}

// Introspect describes a token per RFC 7662. Unknown, expired, revoked and
// already-rotated tokens are reported inactive. hint selects which kind is
// tried first.
func (i *Issuer) Introspect(ctx context.Context, token, hint string) (*Introspection, error) {
	if token == "" {
		return &Introspection{}, nil
	}
	for _, kind := range lookupOrder(hint) {
		rec, err := i.store.Find(ctx, kind, digest(token))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load token: %w", err)
		}
		if rec.Consumed() {
			return &Introspection{}, nil
		}
		var data tokenData
		if err := rec.Decode(&data); err != nil {
			return nil, err
		}
		return &Introspection{
			Active:    true,
			Scope:     strings.Join(data.Scopes, " "),
			ClientID:  data.ClientID,
			Subject:   data.AccountID,
			TokenType: tokenTypeFor(kind),
			ExpiresAt: data.ExpiresAt.Unix(),
			IssuedAt:  data.IssuedAt.Unix(),
			Issuer:    i.issuer,
			GrantID:   rec.GrantID,
		}, nil
	}
	return &Introspection{}, nil
}

// UserInfo returns the identity claims released to the bearer of accessToken.
func (i *Issuer) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	info, err := i.Introspect(ctx, accessToken, HintAccessToken)
	if err != nil {
		return nil, err
	}
	if !info.Active || info.TokenType != "Bearer" {
		return nil, ErrInvalidToken
	}
	if info.Subject == "" {
		return nil, ErrInvalidToken.WithHint("The access token does not identify a user.")
	}
	granted := scopes.Parse(info.Scope)
	if !granted.Has(scopes.OpenID) {
		return nil, ErrInvalidToken.WithHint("The access token was not granted the openid scope.")
	}
	return i.identityClaims(ctx, info.Subject, granted)
}

// Revoke implements RFC 7009 for the authenticated clientID. Revoking a
// refresh token revokes its grant and with it every token issued under it.
// Unknown tokens are not an error.
func (i *Issuer) Revoke(ctx context.Context, token, clientID, hint string) error {
	if token == "" {
		return fosite.ErrInvalidRequest.WithHint("The 'token' parameter is required.")
	}
	id := digest(token)
	for _, kind := range lookupOrder(hint) {
		rec, err := i.store.Find(ctx, kind, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load token: %w", err)
		}
		var data tokenData
		if err := rec.Decode(&data); err != nil {
			return err
		}
		if data.ClientID != clientID {
			return fosite.ErrUnauthorizedClient.WithHint("The token was not issued to this client.")
		}
		if kind == storage.KindRefreshToken && rec.GrantID != "" {
			return i.grants.Revoke(ctx, rec.GrantID)
		}
		if err := i.store.Destroy(ctx, kind, id); err != nil {
			return fmt.Errorf("failed to revoke token: %w", err)
		}
		logger.Debugw("token revoked", "kind", kind, "client_id", clientID)
		return nil
	}
	return nil
}

func lookupOrder(hint string) []storage.Kind {
	if hint == HintRefreshToken {
		return []storage.Kind{storage.KindRefreshToken, storage.KindAccessToken}
	}
	return []storage.Kind{storage.KindAccessToken, storage.KindRefreshToken}
}

func tokenTypeFor(kind storage.Kind) string {
	if kind == storage.KindAccessToken {
		return "Bearer"
	}
	return HintRefreshToken
}

func credentialName(kind storage.Kind) string {
	switch kind {
	case storage.KindAuthorizationCode:
		return "authorization code"
	case storage.KindRefreshToken:
		return "refresh token"
	default:
		return "access token"
	}
}

// digest is the record id of a code or token.
func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
