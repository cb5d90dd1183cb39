// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package accounts

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var fastHasher = BcryptHasher{Cost: bcrypt.MinCost}

func newSeededDirectory(t *testing.T) *MemoryDirectory {
	t.Helper()
	dir, err := NewMemoryDirectory(WithHasher(fastHasher))
	require.NoError(t, err)
	require.NoError(t, Populate(t.Context(), dir, fastHasher, DefaultSeeds()))
	return dir
}

func TestMemoryDirectory_Authenticate(t *testing.T) {
	t.Parallel()

	dir := newSeededDirectory(t)

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{"admin", "admin", "admin123", nil},
		{"user", "user", "user123", nil},
		{"demo with different case", "Demo", "demo123", nil},
		{"wrong password", "admin", "admin124", ErrInvalidCredentials},
		{"unknown user", "mallory", "admin123", ErrInvalidCredentials},
		{"empty", "", "", ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			acct, err := dir.Authenticate(t.Context(), tt.username, tt.password)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, acct)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, acct.ID)
		})
	}
}

func TestMemoryDirectory_LinkedAccountCannotLogIn(t *testing.T) {
	t.Parallel()

	dir := newSeededDirectory(t)
	_, err := dir.Create(t.Context(), &Account{Username: "oauth_abc", ExternalSubject: "abc"})
	require.NoError(t, err)

	_, err = dir.Authenticate(t.Context(), "oauth_abc", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestMemoryDirectory_Create(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	dir, err := NewMemoryDirectory(WithHasher(fastHasher), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	ctx := t.Context()

	created, err := dir.Create(ctx, &Account{Username: "alice", Roles: []string{"user"}})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, fixed, created.CreatedAt)

	_, err = dir.Create(ctx, &Account{Username: "ALICE"})
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = dir.Create(ctx, &Account{Username: "  "})
	assert.Error(t, err)

	// Mutating the returned copy must not change the stored account.
	created.Roles[0] = "admin"
	again, err := dir.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user"}, again.Roles)

	_, err = dir.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = dir.FindByUsername(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDirectory_ConcurrentCreateSameUsername(t *testing.T) {
	t.Parallel()

	dir, err := NewMemoryDirectory(WithHasher(fastHasher))
	require.NoError(t, err)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := dir.Create(t.Context(), &Account{Username: "race"}); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 1, dir.Len())
}

func TestAccount_Claims(t *testing.T) {
	t.Parallel()

	updated := time.Unix(1700000000, 0)
	acct := &Account{
		ID:            "acct-1",
		Username:      "john",
		Email:         "john@example.com",
		EmailVerified: true,
		Name:          "John Doe",
		Roles:         []string{"user"},
		UpdatedAt:     updated,
	}

	got := acct.Claims()
	assert.Equal(t, map[string]any{
		"sub":                "acct-1",
		"preferred_username": "john",
		"email":              "john@example.com",
		"email_verified":     true,
		"name":               "John Doe",
		"roles":              []string{"user"},
		"updated_at":         int64(1700000000),
	}, got)
}

func TestPopulate(t *testing.T) {
	t.Parallel()

	hash, err := fastHasher.Hash("s3cret")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "accounts.yaml")
	content := "accounts:\n" +
		"  - username: alice\n" +
		"    password: wonderland\n" +
		"    email: alice@example.com\n" +
		"    roles: [user]\n" +
		"  - username: bob\n" +
		"    password_hash: " + hash + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	seeds, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, seeds, 2)

	dir, err := NewMemoryDirectory(WithHasher(fastHasher))
	require.NoError(t, err)
	require.NoError(t, Populate(t.Context(), dir, fastHasher, seeds))
	// Seeding twice is harmless.
	require.NoError(t, Populate(t.Context(), dir, fastHasher, seeds))
	assert.Equal(t, 2, dir.Len())

	alice, err := dir.Authenticate(t.Context(), "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", alice.Email)
	assert.Equal(t, []string{"user"}, alice.Roles)

	_, err = dir.Authenticate(t.Context(), "bob", "s3cret")
	require.NoError(t, err)
}

func TestPopulate_RejectsAmbiguousSeed(t *testing.T) {
	t.Parallel()

	dir, err := NewMemoryDirectory(WithHasher(fastHasher))
	require.NoError(t, err)

	err = Populate(t.Context(), dir, fastHasher, []Seed{{
		Account:  Account{Username: "x", PasswordHash: "h"},
		Password: "p",
	}})
	assert.ErrorContains(t, err, "both password and password_hash")
}
