// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package grants persists consent decisions. A grant is the anchor every
// code and token hangs off, so revoking it revokes all of them.
package grants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	"github.com/stacklok/authgate/pkg/authserver/scopes"
	"github.com/stacklok/authgate/pkg/authserver/storage"
	"github.com/stacklok/authgate/pkg/logger"
)

// DefaultTTL is how long a grant lives.
const DefaultTTL = 14 * 24 * time.Hour

var (
	// ErrOpenIDRequired is returned when openid was requested but not granted.
	ErrOpenIDRequired = errors.New("openid scope was requested but not granted")

	// ErrNotFound is returned when the grant is missing, expired or revoked.
	ErrNotFound = errors.New("grant not found")
)

// Grant is a persisted consent decision.
type Grant struct {
	ID        string           `json:"id"`
	AccountID string           `json:"account_id"`
	ClientID  string           `json:"client_id"`
	Scopes    fosite.Arguments `json:"scopes"`
	CreatedAt time.Time        `json:"created_at"`
}

// Manager creates, reads and revokes grants.
type Manager struct {
	store storage.RecordStore
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager backed by store.
func NewManager(store storage.RecordStore, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create persists a grant of granted scopes to clientID on behalf of
// accountID and returns its id. requested is what the client asked for.
func (m *Manager) Create(ctx context.Context, accountID, clientID string, requested, granted []string) (string, error) {
	if accountID == "" || clientID == "" {
		return "", errors.New("grant requires an account and a client")
	}

	set := scopes.Normalize(granted)
	if fosite.Arguments(requested).Has(scopes.OpenID) && !set.Has(scopes.OpenID) {
		return "", ErrOpenIDRequired
	}

	g := Grant{
		ID:        uuid.NewString(),
		AccountID: accountID,
		ClientID:  clientID,
		Scopes:    set,
		CreatedAt: m.now().UTC(),
	}
	payload, err := storage.NewPayload(g)
	if err != nil {
		return "", err
	}
	// The grant record is linked to itself so that revocation removes it too.
	payload.GrantID = g.ID

	if err := m.store.Upsert(ctx, storage.KindGrant, g.ID, payload, m.ttl); err != nil {
		return "", fmt.Errorf("failed to store grant: %w", err)
	}

	logger.Debugw("grant created",
		"grant_id", g.ID,
		"client_id", clientID,
		"account_id", accountID,
		"scopes", g.Scopes,
	)
	return g.ID, nil
}

// Get returns the grant, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, grantID string) (*Grant, error) {
	rec, err := m.store.Find(ctx, storage.KindGrant, grantID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}
	var g Grant
	if err := rec.Decode(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Revoke deletes the grant and every record issued under it.
func (m *Manager) Revoke(ctx context.Context, grantID string) error {
	if grantID == "" {
		return nil
	}
	if err := m.store.RevokeByGrantID(ctx, grantID); err != nil {
		return fmt.Errorf("failed to revoke grant %s: %w", grantID, err)
	}
	logger.Infow("grant revoked", "grant_id", grantID)
	return nil
}
