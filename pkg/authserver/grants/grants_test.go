// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"errors"
	"testing"
	"time"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/authgate/pkg/authserver/storage"
	"github.com/stacklok/authgate/pkg/authserver/storage/mocks"
)

func newManager(t *testing.T) (*Manager, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore(storage.WithCleanupInterval(0))
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store), store
}

func TestManager_Create(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		requested  []string
		granted    []string
		wantScopes fosite.Arguments
		wantErr    error
	}{
		{
			name:       "scopes collapse to a sorted set",
			requested:  []string{"openid", "profile", "email"},
			granted:    []string{"profile", "openid", "openid", "email"},
			wantScopes: fosite.Arguments{"email", "openid", "profile"},
		},
		{
			name:      "empty grant when openid requested",
			requested: []string{"openid"},
			granted:   nil,
			wantErr:   ErrOpenIDRequired,
		},
		{
			name:      "openid dropped from grant",
			requested: []string{"openid", "email"},
			granted:   []string{"email"},
			wantErr:   ErrOpenIDRequired,
		},
		{
			name:       "non-oidc grant",
			requested:  []string{"api:read"},
			granted:    []string{"api:read"},
			wantScopes: fosite.Arguments{"api:read"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, _ := newManager(t)

			id, err := m.Create(t.Context(), "acct-1", "my_app", tt.requested, tt.granted)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotEmpty(t, id)

			g, err := m.Get(t.Context(), id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScopes, g.Scopes)
			assert.Equal(t, "acct-1", g.AccountID)
			assert.Equal(t, "my_app", g.ClientID)
		})
	}
}

func TestManager_GrantIDsAreUnique(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)

	a, err := m.Create(t.Context(), "acct", "c", nil, []string{"openid"})
	require.NoError(t, err)
	b, err := m.Create(t.Context(), "acct", "c", nil, []string{"openid"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestManager_RevokeCascades(t *testing.T) {
	t.Parallel()
	m, store := newManager(t)
	ctx := t.Context()

	id, err := m.Create(ctx, "acct", "my_app", []string{"openid"}, []string{"openid"})
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, storage.KindAccessToken, "at", storage.Payload{GrantID: id}, time.Hour))

	require.NoError(t, m.Revoke(ctx, id))

	_, err = m.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Find(ctx, storage.KindAccessToken, "at")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Revoking again, or revoking nothing, is not an error.
	require.NoError(t, m.Revoke(ctx, id))
	require.NoError(t, m.Revoke(ctx, ""))
}

func TestManager_Expiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := storage.NewMemoryStore(storage.WithCleanupInterval(0), storage.WithClock(func() time.Time { return now }))
	t.Cleanup(func() { _ = store.Close() })
	m := NewManager(store, WithTTL(time.Minute), WithClock(clock))

	id, err := m.Create(t.Context(), "acct", "c", nil, []string{"openid"})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = m.Get(t.Context(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_StorageFailuresFailClosed(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockRecordStore(ctrl)
	boom := errors.Join(storage.ErrStorage, errors.New("connection reset"))

	store.EXPECT().Upsert(gomock.Any(), storage.KindGrant, gomock.Any(), gomock.Any(), DefaultTTL).Return(boom)
	store.EXPECT().Find(gomock.Any(), storage.KindGrant, "g").Return(nil, boom)
	store.EXPECT().RevokeByGrantID(gomock.Any(), "g").Return(boom)

	m := NewManager(store)

	_, err := m.Create(t.Context(), "acct", "c", nil, []string{"openid"})
	assert.ErrorIs(t, err, storage.ErrStorage)

	_, err = m.Get(t.Context(), "g")
	assert.ErrorIs(t, err, storage.ErrStorage)
	assert.NotErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, m.Revoke(t.Context(), "g"), storage.ErrStorage)
}
