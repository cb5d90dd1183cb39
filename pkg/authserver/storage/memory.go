// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/stacklok/authgate/pkg/logger"
)

// MemoryStore implements RecordStore with in-memory maps.
// It is thread-safe and suitable for development, tests and single-replica
// deployments where losing state on restart is acceptable.
//
// All maps are guarded by one mutex, so a primary write and its index
// updates are always observed together.
type MemoryStore struct {
	mu sync.RWMutex

	// records maps "kind:id" -> Record.
	records map[string]*Record

	// grantIndex maps grant id -> set of "kind:id" keys issued under it.
	grantIndex map[string]map[string]struct{}

	// userCodeIndex maps "kind:userCode" -> id.
	userCodeIndex map[string]string

	// uidIndex maps "kind:uid" -> id.
	uidIndex map[string]string

	now func() time.Time

	cleanupInterval time.Duration

	// stopCleanup is used to signal the cleanup goroutine to stop
	stopCleanup chan struct{}

	// cleanupDone is closed when the cleanup goroutine has fully stopped
	cleanupDone chan struct{}

	closeOnce sync.Once
}

// NewMemoryStore creates a MemoryStore and starts its background sweep.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := newOptions(opts)
	s := &MemoryStore{
		records:         make(map[string]*Record),
		grantIndex:      make(map[string]map[string]struct{}),
		userCodeIndex:   make(map[string]string),
		uidIndex:        make(map[string]string),
		now:             o.now,
		cleanupInterval: o.cleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	} else {
		close(s.cleanupDone)
	}

	return s
}

// Upsert implements RecordStore.
func (s *MemoryStore) Upsert(_ context.Context, kind Kind, id string, payload Payload, ttl time.Duration) error {
	if err := validate(kind, id); err != nil {
		return err
	}

	now := s.now()
	rec := &Record{
		Kind:      kind,
		ID:        id,
		Data:      append([]byte(nil), payload.Data...),
		GrantID:   payload.GrantID,
		UserCode:  payload.UserCode,
		UID:       payload.UID,
		ExpiresAt: expiryFor(now, ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(kind, id)
	if prev, ok := s.records[key]; ok {
		if !prev.expired(now) && prev.ConsumedAt != nil {
			consumedAt := *prev.ConsumedAt
			rec.ConsumedAt = &consumedAt
		}
		s.unindexLocked(prev)
	}

	s.records[key] = rec
	s.indexLocked(rec)
	return nil
}

// Find implements RecordStore.
func (s *MemoryStore) Find(_ context.Context, kind Kind, id string) (*Record, error) {
	return s.lookup(recordKey(kind, id))
}

// FindByUserCode implements RecordStore.
func (s *MemoryStore) FindByUserCode(_ context.Context, kind Kind, userCode string) (*Record, error) {
	return s.lookupIndex(s.userCodeIndex, kind, userCode, func(r *Record) string { return r.UserCode })
}

// FindByUID implements RecordStore.
func (s *MemoryStore) FindByUID(_ context.Context, kind Kind, uid string) (*Record, error) {
	return s.lookupIndex(s.uidIndex, kind, uid, func(r *Record) string { return r.UID })
}

// Destroy implements RecordStore.
func (s *MemoryStore) Destroy(_ context.Context, kind Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteLocked(recordKey(kind, id))
	return nil
}

// RevokeByGrantID implements RecordStore.
func (s *MemoryStore) RevokeByGrantID(_ context.Context, grantID string) error {
	if grantID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.grantIndex[grantID]
	for key := range keys {
		s.deleteLocked(key)
	}
	delete(s.grantIndex, grantID)

	logger.Debugw("revoked records by grant",
		"grant_id", grantID,
		"count", len(keys),
	)
	return nil
}

// Consume implements RecordStore.
func (s *MemoryStore) Consume(_ context.Context, kind Kind, id string) error {
	now := s.now()
	key := recordKey(kind, id)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	if rec.expired(now) {
		s.deleteLocked(key)
		return nil
	}
	if rec.ConsumedAt != nil {
		return ErrAlreadyConsumed
	}
	rec.ConsumedAt = &now
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	<-s.cleanupDone
	return nil
}

// Len returns the number of stored records, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// lookup returns a copy of the live record at key, purging it if expired.
func (s *MemoryStore) lookup(key string) (*Record, error) {
	now := s.now()

	s.mu.RLock()
	rec, ok := s.records[key]
	if ok && !rec.expired(now) {
		out := rec.clone()
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	if ok {
		s.purgeExpired(key, now)
	}
	return nil, ErrNotFound
}

// lookupIndex resolves a secondary index entry and heals it if it points at
// a record that no longer carries the indexed value.
func (s *MemoryStore) lookupIndex(
	index map[string]string, kind Kind, value string, field func(*Record) string,
) (*Record, error) {
	if value == "" {
		return nil, ErrNotFound
	}
	indexKey := recordKey(kind, value)

	s.mu.RLock()
	id, ok := index[indexKey]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	rec, err := s.lookup(recordKey(kind, id))
	if err == nil && field(rec) == value {
		return rec, nil
	}

	s.mu.Lock()
	if index[indexKey] == id {
		delete(index, indexKey)
	}
	s.mu.Unlock()
	return nil, ErrNotFound
}

// purgeExpired deletes key if it is still expired under the write lock.
func (s *MemoryStore) purgeExpired(key string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.expired(now) {
		s.deleteLocked(key)
	}
}

// deleteLocked removes a record and its index entries. Caller holds s.mu.
func (s *MemoryStore) deleteLocked(key string) {
	rec, ok := s.records[key]
	if !ok {
		return
	}
	s.unindexLocked(rec)
	delete(s.records, key)
}

func (s *MemoryStore) indexLocked(rec *Record) {
	key := recordKey(rec.Kind, rec.ID)
	if rec.GrantID != "" {
		set, ok := s.grantIndex[rec.GrantID]
		if !ok {
			set = make(map[string]struct{})
			s.grantIndex[rec.GrantID] = set
		}
		set[key] = struct{}{}
	}
	if rec.UserCode != "" {
		s.userCodeIndex[recordKey(rec.Kind, rec.UserCode)] = rec.ID
	}
	if rec.UID != "" {
		s.uidIndex[recordKey(rec.Kind, rec.UID)] = rec.ID
	}
}

func (s *MemoryStore) unindexLocked(rec *Record) {
	key := recordKey(rec.Kind, rec.ID)
	if rec.GrantID != "" {
		if set, ok := s.grantIndex[rec.GrantID]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(s.grantIndex, rec.GrantID)
			}
		}
	}
	if rec.UserCode != "" {
		codeKey := recordKey(rec.Kind, rec.UserCode)
		if s.userCodeIndex[codeKey] == rec.ID {
			delete(s.userCodeIndex, codeKey)
		}
	}
	if rec.UID != "" {
		uidKey := recordKey(rec.Kind, rec.UID)
		if s.uidIndex[uidKey] == rec.ID {
			delete(s.uidIndex, uidKey)
		}
	}
}

// cleanupLoop runs periodic cleanup of expired entries.
func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes all expired records.
// Uses collect-then-delete: expired keys are collected under the read lock,
// then deleted under the write lock after re-checking expiry.
func (s *MemoryStore) cleanupExpired() {
	now := s.now()

	s.mu.RLock()
	var expired []string
	for key, rec := range s.records {
		if rec.expired(now) {
			expired = append(expired, key)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range expired {
		if rec, ok := s.records[key]; ok && rec.expired(now) {
			s.deleteLocked(key)
			removed++
		}
	}

	logger.Debugw("swept expired records", "count", removed)
}

// Compile-time interface compliance check.
var _ RecordStore = (*MemoryStore)(nil)
