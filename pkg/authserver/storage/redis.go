// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/authgate/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// connectAttempts bounds the startup ping retries.
	connectAttempts = 5
)

// Key segments. A record lives at "{prefix}:rec:{kind}:{id}" as a hash;
// indexes live at "{prefix}:grant:{grantId}" (set of "kind:id"),
// "{prefix}:usercode:{kind}:{code}" and "{prefix}:uid:{kind}:{uid}".
const (
	keyTypeRecord   = "rec"
	keyTypeGrant    = "grant"
	keyTypeUserCode = "usercode"
	keyTypeUID      = "uid"
)

// Hash fields of a stored record.
const (
	fieldData       = "data"
	fieldGrantID    = "grant_id"
	fieldUserCode   = "user_code"
	fieldUID        = "uid"
	fieldExpiresAt  = "expires_at"
	fieldConsumedAt = "consumed_at"
)

func redisKey(prefix string, parts ...string) string {
	return prefix + ":" + strings.Join(parts, ":")
}

// consumeScript sets consumed_at only if the record exists, is live and has
// not been consumed. Times are unix microseconds so they stay exact as Lua numbers.
// Returns 1 on success, 0 if missing, 2 if expired, -1 if already consumed.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if exp and tonumber(exp) <= tonumber(ARGV[1]) then
	return 2
end
if redis.call('HSETNX', KEYS[1], 'consumed_at', ARGV[1]) == 0 then
	return -1
end
return 1
`)

// revokeScript deletes every record listed in a grant index set, the
// user code and uid index entries that still point at them, and the set.
// ARGV[1] is the key prefix.
var revokeScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
for _, member in ipairs(members) do
	local kind = string.match(member, '^([^:]+):')
	local id = string.sub(member, string.len(kind) + 2)
	local rk = ARGV[1] .. ':rec:' .. member
	local fields = redis.call('HMGET', rk, 'user_code', 'uid')
	if fields[1] then
		local ck = ARGV[1] .. ':usercode:' .. kind .. ':' .. fields[1]
		if redis.call('GET', ck) == id then
			redis.call('DEL', ck)
		end
	end
	if fields[2] then
		local uk = ARGV[1] .. ':uid:' .. kind .. ':' .. fields[2]
		if redis.call('GET', uk) == id then
			redis.call('DEL', uk)
		end
	end
	redis.call('DEL', rk)
end
redis.call('DEL', KEYS[1])
return #members
`)

// grantIndexScript adds a member to a grant index set and keeps the set
// alive at least as long as its longest-lived member. ARGV[2] is the
// member TTL in milliseconds, 0 for no expiry.
const grantIndexScript = `
local existed = redis.call('EXISTS', KEYS[1])
local prev = redis.call('PTTL', KEYS[1])
redis.call('SADD', KEYS[1], ARGV[1])
local want = tonumber(ARGV[2])
if want == 0 then
	redis.call('PERSIST', KEYS[1])
elseif existed == 0 or (prev >= 0 and prev < want) then
	redis.call('PEXPIRE', KEYS[1], want)
end
return 1
`

// compareAndDeleteScript deletes KEYS[1] only if it still holds ARGV[1].
const compareAndDeleteScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisStore implements RecordStore on Redis. Writes that touch a record and
// its indexes are sent as one MULTI/EXEC transaction; consume and revoke run
// as Lua scripts. Index reads verify the target record and heal stale entries.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisStore connects to Redis and returns a RedisStore.
// The connection is verified with a bounded exponential backoff.
func NewRedisStore(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisStore, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("invalid redis configuration: at least one address is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MasterName:   cfg.MasterName,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})

	if err := pingWithRetry(ctx, client); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, prefix, opts...), nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, opts ...Option) *RedisStore {
	o := newOptions(opts)
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		now:       o.now,
	}
}

func pingWithRetry(ctx context.Context, client redis.UniversalClient) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (string, error) {
		return client.Ping(ctx).Result()
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(connectAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warnw("redis not reachable, retrying",
				"error", err,
				"retry_in", d,
			)
		}),
	)
	return err
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// -----------------------
// Keys
// -----------------------

func (s *RedisStore) recordKey(kind Kind, id string) string {
	return redisKey(s.keyPrefix, keyTypeRecord, string(kind), id)
}

func (s *RedisStore) grantKey(grantID string) string {
	return redisKey(s.keyPrefix, keyTypeGrant, grantID)
}

func (s *RedisStore) userCodeKey(kind Kind, code string) string {
	return redisKey(s.keyPrefix, keyTypeUserCode, string(kind), code)
}

func (s *RedisStore) uidKey(kind Kind, uid string) string {
	return redisKey(s.keyPrefix, keyTypeUID, string(kind), uid)
}

// -----------------------
// RecordStore
// -----------------------

// upsertAttempts bounds the optimistic retries of Upsert when a concurrent
// writer touches the record between its read and its write.
const upsertAttempts = 8

// Upsert implements RecordStore. The record key is WATCHed while the previous
// version is read, so a Consume landing before EXEC aborts the write and the
// retry carries the new ConsumedAt forward.
func (s *RedisStore) Upsert(ctx context.Context, kind Kind, id string, payload Payload, ttl time.Duration) error {
	if err := validate(kind, id); err != nil {
		return err
	}

	key := s.recordKey(kind, id)
	for range upsertAttempts {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			return s.upsertTx(ctx, tx, kind, id, payload, ttl)
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return storageError("upsert", fmt.Errorf("record %s changed concurrently %d times", key, upsertAttempts))
}

func (s *RedisStore) upsertTx(
	ctx context.Context, tx *redis.Tx, kind Kind, id string, payload Payload, ttl time.Duration,
) error {
	key := s.recordKey(kind, id)
	vals, err := tx.HGetAll(ctx, key).Result()
	if err != nil {
		return storageError("upsert", err)
	}
	var prev *Record
	if len(vals) > 0 {
		if prev, err = decodeFields(kind, id, vals); err != nil {
			return err
		}
	}

	now := s.now()
	rec := &Record{
		Kind:      kind,
		ID:        id,
		Data:      payload.Data,
		GrantID:   payload.GrantID,
		UserCode:  payload.UserCode,
		UID:       payload.UID,
		ExpiresAt: expiryFor(now, ttl),
	}
	if prev != nil && !prev.expired(now) && prev.ConsumedAt != nil {
		rec.ConsumedAt = prev.ConsumedAt
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != nil {
			s.unindex(ctx, pipe, prev)
		}
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, encodeFields(rec))
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		if rec.GrantID != "" {
			pipe.Eval(ctx, grantIndexScript, []string{s.grantKey(rec.GrantID)},
				recordKey(kind, id), ttl.Milliseconds())
		}
		if rec.UserCode != "" {
			pipe.Set(ctx, s.userCodeKey(kind, rec.UserCode), id, ttl)
		}
		if rec.UID != "" {
			pipe.Set(ctx, s.uidKey(kind, rec.UID), id, ttl)
		}
		return nil
	})
	if errors.Is(err, redis.TxFailedErr) {
		return err
	}
	if err != nil {
		return storageError("upsert", err)
	}
	return nil
}

// Find implements RecordStore.
func (s *RedisStore) Find(ctx context.Context, kind Kind, id string) (*Record, error) {
	rec, err := s.load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	if rec.expired(s.now()) {
		if err := s.remove(ctx, rec); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return rec, nil
}

// FindByUserCode implements RecordStore.
func (s *RedisStore) FindByUserCode(ctx context.Context, kind Kind, userCode string) (*Record, error) {
	if userCode == "" {
		return nil, ErrNotFound
	}
	return s.findByIndex(ctx, kind, s.userCodeKey(kind, userCode), func(r *Record) bool {
		return r.UserCode == userCode
	})
}

// FindByUID implements RecordStore.
func (s *RedisStore) FindByUID(ctx context.Context, kind Kind, uid string) (*Record, error) {
	if uid == "" {
		return nil, ErrNotFound
	}
	return s.findByIndex(ctx, kind, s.uidKey(kind, uid), func(r *Record) bool {
		return r.UID == uid
	})
}

// Destroy implements RecordStore.
func (s *RedisStore) Destroy(ctx context.Context, kind Kind, id string) error {
	rec, err := s.load(ctx, kind, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	return s.remove(ctx, rec)
}

// RevokeByGrantID implements RecordStore.
func (s *RedisStore) RevokeByGrantID(ctx context.Context, grantID string) error {
	if grantID == "" {
		return nil
	}
	count, err := revokeScript.Run(ctx, s.client, []string{s.grantKey(grantID)}, s.keyPrefix).Int()
	if err != nil {
		return storageError("revoke by grant", err)
	}
	logger.Debugw("revoked records by grant",
		"grant_id", grantID,
		"count", count,
	)
	return nil
}

// Consume implements RecordStore.
func (s *RedisStore) Consume(ctx context.Context, kind Kind, id string) error {
	now := s.now()
	result, err := consumeScript.Run(ctx, s.client, []string{s.recordKey(kind, id)}, now.UnixMicro()).Int()
	if err != nil {
		return storageError("consume", err)
	}

	switch result {
	case 1, 0:
		return nil
	case -1:
		return ErrAlreadyConsumed
	default:
		// Expired: purge it now, as any other read would.
		_, err := s.Find(ctx, kind, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	}
}

// -----------------------
// Helpers
// -----------------------

// load returns the stored record, expired or not, or nil if the key is absent.
func (s *RedisStore) load(ctx context.Context, kind Kind, id string) (*Record, error) {
	vals, err := s.client.HGetAll(ctx, s.recordKey(kind, id)).Result()
	if err != nil {
		return nil, storageError("load", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return decodeFields(kind, id, vals)
}

func (s *RedisStore) findByIndex(
	ctx context.Context, kind Kind, indexKey string, matches func(*Record) bool,
) (*Record, error) {
	id, err := s.client.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, storageError("index lookup", err)
	}

	rec, err := s.Find(ctx, kind, id)
	if err == nil && matches(rec) {
		return rec, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// The index points at a record that is gone or re-keyed: heal it.
	if err := s.client.Eval(ctx, compareAndDeleteScript, []string{indexKey}, id).Err(); err != nil {
		return nil, storageError("heal index", err)
	}
	return nil, ErrNotFound
}

// remove deletes a record and its index entries in one transaction.
func (s *RedisStore) remove(ctx context.Context, rec *Record) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(rec.Kind, rec.ID))
		s.unindex(ctx, pipe, rec)
		return nil
	})
	if err != nil {
		return storageError("delete", err)
	}
	return nil
}

// unindex queues removal of the index entries that point at rec.
func (s *RedisStore) unindex(ctx context.Context, pipe redis.Pipeliner, rec *Record) {
	if rec.GrantID != "" {
		pipe.SRem(ctx, s.grantKey(rec.GrantID), recordKey(rec.Kind, rec.ID))
	}
	if rec.UserCode != "" {
		pipe.Eval(ctx, compareAndDeleteScript, []string{s.userCodeKey(rec.Kind, rec.UserCode)}, rec.ID)
	}
	if rec.UID != "" {
		pipe.Eval(ctx, compareAndDeleteScript, []string{s.uidKey(rec.Kind, rec.UID)}, rec.ID)
	}
}

func encodeFields(rec *Record) map[string]any {
	fields := map[string]any{
		fieldData: []byte(rec.Data),
	}
	if rec.GrantID != "" {
		fields[fieldGrantID] = rec.GrantID
	}
	if rec.UserCode != "" {
		fields[fieldUserCode] = rec.UserCode
	}
	if rec.UID != "" {
		fields[fieldUID] = rec.UID
	}
	if rec.ExpiresAt != nil {
		fields[fieldExpiresAt] = rec.ExpiresAt.UnixMicro()
	}
	if rec.ConsumedAt != nil {
		fields[fieldConsumedAt] = rec.ConsumedAt.UnixMicro()
	}
	return fields
}

func decodeFields(kind Kind, id string, vals map[string]string) (*Record, error) {
	rec := &Record{
		Kind:     kind,
		ID:       id,
		Data:     []byte(vals[fieldData]),
		GrantID:  vals[fieldGrantID],
		UserCode: vals[fieldUserCode],
		UID:      vals[fieldUID],
	}
	var err error
	if rec.ExpiresAt, err = parseMicros(vals[fieldExpiresAt]); err != nil {
		return nil, storageError("decode expires_at", err)
	}
	if rec.ConsumedAt, err = parseMicros(vals[fieldConsumedAt]); err != nil {
		return nil, storageError("decode consumed_at", err)
	}
	return rec, nil
}

func parseMicros(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.UnixMicro(n)
	return &t, nil
}

// Compile-time interface compliance check.
var _ RecordStore = (*RedisStore)(nil)
