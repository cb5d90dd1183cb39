// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/authgate/pkg/logger"
)

// MemoryDirectory is a Directory held in memory.
type MemoryDirectory struct {
	mu         sync.RWMutex
	byID       map[string]*Account
	byUsername map[string]string

	hasher Hasher
	now    func() time.Time

	// dummyHash is compared against when the username is unknown so that
	// both failure paths cost one hash comparison.
	dummyHash string
}

// Option configures a MemoryDirectory.
type Option func(*MemoryDirectory)

// WithHasher replaces the default bcrypt hasher.
func WithHasher(h Hasher) Option {
	return func(d *MemoryDirectory) {
		d.hasher = h
	}
}

// WithClock replaces the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *MemoryDirectory) {
		d.now = now
	}
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory(opts ...Option) (*MemoryDirectory, error) {
	d := &MemoryDirectory{
		byID:       make(map[string]*Account),
		byUsername: make(map[string]string),
		hasher:     BcryptHasher{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	dummy, err := d.hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, err
	}
	d.dummyHash = dummy
	return d, nil
}

// Authenticate implements Directory.
func (d *MemoryDirectory) Authenticate(_ context.Context, username, password string) (*Account, error) {
	d.mu.RLock()
	acct := d.byUsernameLocked(username)
	d.mu.RUnlock()

	if acct == nil || acct.PasswordHash == "" {
		_ = d.hasher.Compare(d.dummyHash, password)
		return nil, ErrInvalidCredentials
	}
	if err := d.hasher.Compare(acct.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return acct.clone(), nil
}

// FindByID implements Directory.
func (d *MemoryDirectory) FindByID(_ context.Context, id string) (*Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	acct, ok := d.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return acct.clone(), nil
}

// FindByUsername implements Directory.
func (d *MemoryDirectory) FindByUsername(_ context.Context, username string) (*Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	acct := d.byUsernameLocked(username)
	if acct == nil {
		return nil, ErrNotFound
	}
	return acct.clone(), nil
}

// Create implements Directory.
func (d *MemoryDirectory) Create(_ context.Context, account *Account) (*Account, error) {
	if account == nil || normalizeUsername(account.Username) == "" {
		return nil, errors.New("account username is required")
	}

	acct := account.clone()
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := d.now()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	d.mu.Lock()
	defer d.mu.Unlock()

	key := normalizeUsername(acct.Username)
	if _, taken := d.byUsername[key]; taken {
		return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, acct.Username)
	}
	if _, taken := d.byID[acct.ID]; taken {
		return nil, fmt.Errorf("account id %q already exists", acct.ID)
	}

	d.byID[acct.ID] = acct
	d.byUsername[key] = acct.ID

	logger.Debugw("account created", "account_id", acct.ID, "username", acct.Username)
	return acct.clone(), nil
}

// Len returns the number of accounts.
func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

func (d *MemoryDirectory) byUsernameLocked(username string) *Account {
	id, ok := d.byUsername[normalizeUsername(username)]
	if !ok {
		return nil
	}
	return d.byID[id]
}

var _ Directory = (*MemoryDirectory)(nil)
