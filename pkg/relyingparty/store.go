// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relyingparty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrContextNotFound is returned by ContextStore.Get for a missing or expired key.
var ErrContextNotFound = errors.New("session context not found")

// ContextStore keeps relying-party state between browser round trips. It
// is separate from the authorization server's record store.
type ContextStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// PKCEContext is what a started login needs to finish.
type PKCEContext struct {
	State         string    `json:"state"`
	CodeVerifier  string    `json:"code_verifier"`
	CodeChallenge string    `json:"code_challenge"`
	Nonce         string    `json:"nonce"`
	CreatedAt     time.Time `json:"created_at"`
}

// LoginSession is a signed-in browser.
type LoginSession struct {
	AccountID string    `json:"account_id"`
	Username  string    `json:"username"`
	Subject   string    `json:"subject"`
	IDToken   string    `json:"id_token,omitempty"`
	AuthTime  time.Time `json:"auth_time"`
}

func pkceKey(sessionID string) string  { return "pkce:" + sessionID }
func loginKey(sessionID string) string { return "login:" + sessionID }

func putJSON(ctx context.Context, s ContextStore, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode session context: %w", err)
	}
	return s.Set(ctx, key, data, ttl)
}

func getJSON[T any](ctx context.Context, s ContextStore, key string) (*T, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode session context: %w", err)
	}
	return &v, nil
}

// MemoryContextStore is a ContextStore for a single relying-party process.
type MemoryContextStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryContextStore returns an empty MemoryContextStore.
func NewMemoryContextStore() *MemoryContextStore {
	return &MemoryContextStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Set implements ContextStore.
func (s *MemoryContextStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	// Drop expired entries on write so abandoned logins do not accumulate.
	for k, e := range s.entries {
		if !e.expiresAt.After(now) {
			delete(s.entries, k)
		}
	}
	s.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Get implements ContextStore.
func (s *MemoryContextStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, ErrContextNotFound
	}
	if !e.expiresAt.After(s.now()) {
		delete(s.entries, key)
		return nil, ErrContextNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Delete implements ContextStore.
func (s *MemoryContextStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Close implements ContextStore.
func (*MemoryContextStore) Close() error {
	return nil
}

// RedisContextStore is a ContextStore shared by every relying-party replica.
type RedisContextStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisContextStore connects to Redis and returns a RedisContextStore.
func NewRedisContextStore(ctx context.Context, cfg RedisConfig) (*RedisContextStore, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisContextStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisContextStoreWithClient creates a RedisContextStore with a pre-configured client.
func NewRedisContextStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisContextStore {
	return &RedisContextStore{client: client, keyPrefix: keyPrefix}
}

// Set implements ContextStore.
func (s *RedisContextStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session context: %w", err)
	}
	return nil
}

// Get implements ContextStore.
func (s *RedisContextStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrContextNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session context: %w", err)
	}
	return data, nil
}

// Delete implements ContextStore.
func (s *RedisContextStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete session context: %w", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisContextStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *RedisContextStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
