// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"fmt"
	"time"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis uses Redis (standalone, sentinel or cluster via UniversalClient).
	TypeRedis Type = "redis"

	// TypeSQLite uses a SQLite database file.
	TypeSQLite Type = "sqlite"

	// DefaultCleanupInterval is how often the background sweep reclaims expired records.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultRedisKeyPrefix namespaces every key written by RedisStore. The
	// braces form a cluster hash tag so scripts touching several keys stay on one slot.
	DefaultRedisKeyPrefix = "{authgate}"

	// DefaultSQLitePath is the database file used when none is configured.
	DefaultSQLitePath = "authgate.db"
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type `mapstructure:"type" yaml:"type"`

	// CleanupInterval overrides DefaultCleanupInterval for memory and sqlite sweeps.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`

	Redis  RedisConfig  `mapstructure:"redis" yaml:"redis"`
	SQLite SQLiteConfig `mapstructure:"sqlite" yaml:"sqlite"`
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	// Addrs lists one address for a standalone server, several for a cluster.
	Addrs      []string `mapstructure:"addrs" yaml:"addrs"`
	Username   string   `mapstructure:"username" yaml:"username"`
	Password   string   `mapstructure:"password" yaml:"password"`
	DB         int      `mapstructure:"db" yaml:"db"`
	MasterName string   `mapstructure:"master_name" yaml:"master_name"`
	KeyPrefix  string   `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// SQLiteConfig holds settings for the sqlite backend.
type SQLiteConfig struct {
	// Path is the database file. Use ":memory:" only for tests.
	Path string `mapstructure:"path" yaml:"path"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:            TypeMemory,
		CleanupInterval: DefaultCleanupInterval,
		Redis: RedisConfig{
			Addrs:     []string{"localhost:6379"},
			KeyPrefix: DefaultRedisKeyPrefix,
		},
		SQLite: SQLiteConfig{Path: DefaultSQLitePath},
	}
}

// Validate checks that the configuration names a usable backend.
func (c *Config) Validate() error {
	switch c.Type {
	case "", TypeMemory:
		return nil
	case TypeRedis:
		if len(c.Redis.Addrs) == 0 {
			return errors.New("redis storage requires at least one address")
		}
		return nil
	case TypeSQLite:
		if c.SQLite.Path == "" {
			return errors.New("sqlite storage requires a path")
		}
		return nil
	default:
		return fmt.Errorf("unsupported storage type: %q", c.Type)
	}
}

// Option configures a record store.
type Option func(*options)

type options struct {
	cleanupInterval time.Duration
	now             func() time.Time
}

func newOptions(opts []Option) options {
	o := options{
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithCleanupInterval sets a custom cleanup interval. A non-positive interval
// disables the background sweep; expiry is still enforced lazily on access.
func WithCleanupInterval(interval time.Duration) Option {
	return func(o *options) {
		o.cleanupInterval = interval
	}
}

// WithClock replaces the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
