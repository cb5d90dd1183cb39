// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the record store backing every ephemeral artifact
// of the authorization server: authorization codes, tokens, interactions,
// sessions and grants.
//
// All artifacts share one storage unit, the Record, addressed by kind and id.
// Records may carry up to three secondary index keys (grant id, user code and
// interaction uid), an optional expiry and a consumption marker. The contract
// is the same for every backend:
//
//   - An expired record is absent from all reads and is purged no later than
//     the next access to its key.
//   - Operations on missing keys are not failures. Find returns ErrNotFound,
//     Destroy and Consume do nothing.
//   - Consume is a compare-and-swap on ConsumedAt. Exactly one caller observes
//     success; every other caller observes ErrAlreadyConsumed.
//   - RevokeByGrantID deletes every record bound to the grant, of any kind,
//     together with its index entries.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stacklok/toolhive-core/httperr"
)

// Kind identifies the type of artifact held in a Record.
type Kind string

const (
	// KindAuthorizationCode is a short-lived, single-use authorization code.
	KindAuthorizationCode Kind = "AuthorizationCode"
	// KindAccessToken is an opaque bearer access token.
	KindAccessToken Kind = "AccessToken"
	// KindRefreshToken is a long-lived, rotating refresh token.
	KindRefreshToken Kind = "RefreshToken"
	// KindInteraction is a login/consent negotiation for one authorization attempt.
	KindInteraction Kind = "Interaction"
	// KindSession binds a browser to an authenticated account.
	KindSession Kind = "Session"
	// KindGrant is a persisted consent decision.
	KindGrant Kind = "Grant"
	// KindDeviceCode is reserved for the device authorization flow and indexed by user code.
	KindDeviceCode Kind = "DeviceCode"
)

// Kinds lists every record kind known to the store.
var Kinds = []Kind{
	KindAuthorizationCode,
	KindAccessToken,
	KindRefreshToken,
	KindInteraction,
	KindSession,
	KindGrant,
	KindDeviceCode,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

var (
	// ErrNotFound is returned by the Find family when a record is missing or expired.
	// It is the steady-state outcome of expiry and single use, not a failure.
	ErrNotFound = httperr.WithCode(errors.New("record not found"), http.StatusNotFound)

	// ErrAlreadyConsumed is returned by Consume when another caller consumed the record first.
	ErrAlreadyConsumed = errors.New("record already consumed")

	// ErrStorage wraps failures of the backing store. Callers must fail closed on it.
	ErrStorage = httperr.WithCode(errors.New("storage unavailable"), http.StatusInternalServerError)

	// ErrInvalidKind is returned when an operation names an unknown record kind.
	ErrInvalidKind = errors.New("invalid record kind")
)

// storageError wraps a backend failure so that errors.Is(err, ErrStorage) holds.
func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Payload is what a caller hands to Upsert: its opaque data plus the
// optional index keys the store maintains on its behalf.
type Payload struct {
	// Data is the caller-owned blob, stored verbatim.
	Data json.RawMessage

	// GrantID links the record to a grant for cascading revocation.
	GrantID string

	// UserCode indexes the record for FindByUserCode.
	UserCode string

	// UID indexes the record for FindByUID.
	UID string
}

// NewPayload encodes v as JSON and returns a Payload without index keys.
func NewPayload(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to encode payload: %w", err)
	}
	return Payload{Data: data}, nil
}

// Record is the uniform storage unit.
type Record struct {
	Kind       Kind
	ID         string
	Data       json.RawMessage
	GrantID    string
	UserCode   string
	UID        string
	ExpiresAt  *time.Time
	ConsumedAt *time.Time
}

// Decode unmarshals the record data into v.
func (r *Record) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s record: %w", r.Kind, err)
	}
	return nil
}

// Consumed reports whether the record has been consumed.
func (r *Record) Consumed() bool {
	return r.ConsumedAt != nil
}

// expired reports whether the record is past its expiry at now.
func (r *Record) expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// clone returns a deep copy so callers cannot mutate stored state.
func (r *Record) clone() *Record {
	c := *r
	if r.Data != nil {
		c.Data = append(json.RawMessage(nil), r.Data...)
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	if r.ConsumedAt != nil {
		t := *r.ConsumedAt
		c.ConsumedAt = &t
	}
	return &c
}

//go:generate mockgen -destination=mocks/mock_record_store.go -package=mocks -source=types.go RecordStore

// RecordStore is the storage contract shared by every backend.
type RecordStore interface {
	// Upsert writes or overwrites the record kind:id. A ttl of zero means the
	// record never expires. Overwriting a live record keeps its ConsumedAt.
	Upsert(ctx context.Context, kind Kind, id string, payload Payload, ttl time.Duration) error

	// Find returns the record kind:id, or ErrNotFound if it is missing or expired.
	Find(ctx context.Context, kind Kind, id string) (*Record, error)

	// FindByUserCode returns the record of the given kind indexed by userCode.
	FindByUserCode(ctx context.Context, kind Kind, userCode string) (*Record, error)

	// FindByUID returns the record of the given kind indexed by uid.
	FindByUID(ctx context.Context, kind Kind, uid string) (*Record, error)

	// Destroy deletes the record kind:id and its index entries. Idempotent.
	Destroy(ctx context.Context, kind Kind, id string) error

	// RevokeByGrantID deletes every record linked to grantID.
	RevokeByGrantID(ctx context.Context, grantID string) error

	// Consume marks the record kind:id consumed. It is a no-op for a missing
	// record and returns ErrAlreadyConsumed if the record was already consumed.
	Consume(ctx context.Context, kind Kind, id string) error

	// Close releases resources and stops background work.
	Close() error
}

// recordKey is the logical primary key of a record.
func recordKey(kind Kind, id string) string {
	return string(kind) + ":" + id
}

// expiryFor converts a ttl into an absolute expiry, or nil for no expiry.
func expiryFor(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}

func validate(kind Kind, id string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if id == "" {
		return errors.New("record id is required")
	}
	return nil
}
