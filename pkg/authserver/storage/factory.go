// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// New creates the record store described by cfg.
func New(ctx context.Context, cfg *Config, opts ...Option) (RecordStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}
	if cfg.CleanupInterval != 0 {
		opts = append([]Option{WithCleanupInterval(cfg.CleanupInterval)}, opts...)
	}

	switch cfg.Type {
	case TypeRedis:
		slog.Info("using redis record store", "addrs", cfg.Redis.Addrs)
		return NewRedisStore(ctx, cfg.Redis, opts...)
	case TypeSQLite:
		slog.Info("using sqlite record store", "path", cfg.SQLite.Path)
		return NewSQLiteStore(ctx, cfg.SQLite.Path, opts...)
	default:
		slog.Warn("using in-memory record store - state is lost on restart")
		return NewMemoryStore(opts...), nil
	}
}
