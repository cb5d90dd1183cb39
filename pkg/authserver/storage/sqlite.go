// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/stacklok/authgate/pkg/logger"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	// The embedded filesystem has files under "migrations/", so we need
	// to strip that prefix to get a flat filesystem of .sql files.
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

const recordColumns = `id, data, grant_id, user_code, uid, expires_at, consumed_at`

// SQLiteStore implements RecordStore on a SQLite database.
// The pool is limited to one connection, so every statement and transaction
// is serialized; Consume is a conditional UPDATE on consumed_at.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// NewSQLiteStore opens (or creates) the database at path, applies migrations
// and starts the background sweep.
func NewSQLiteStore(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	o := newOptions(opts)
	s := &SQLiteStore{
		db:              db,
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
	return s, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?_pragma=busy_timeout(5000)"
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Close stops the sweep and closes the database.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	<-s.cleanupDone
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Upsert implements RecordStore.
func (s *SQLiteStore) Upsert(ctx context.Context, kind Kind, id string, payload Payload, ttl time.Duration) error {
	if err := validate(kind, id); err != nil {
		return err
	}

	now := s.now()
	data := payload.Data
	if data == nil {
		data = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin transaction", err)
	}
	defer rollback(tx)

	// consumed_at survives an overwrite unless the previous row had expired.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (kind, id, data, grant_id, user_code, uid, expires_at, consumed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (kind, id) DO UPDATE SET
			data = excluded.data,
			grant_id = excluded.grant_id,
			user_code = excluded.user_code,
			uid = excluded.uid,
			expires_at = excluded.expires_at,
			consumed_at = CASE
				WHEN records.expires_at IS NOT NULL AND records.expires_at <= ? THEN NULL
				ELSE records.consumed_at
			END`,
		string(kind), id, []byte(data),
		nullString(payload.GrantID), nullString(payload.UserCode), nullString(payload.UID),
		nullTime(expiryFor(now, ttl)), now.UnixNano(),
	)
	if err != nil {
		return storageError("upsert", err)
	}

	// The user code and uid indexes resolve to a single record per kind.
	if payload.UserCode != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET user_code = NULL WHERE kind = ? AND user_code = ? AND id <> ?`,
			string(kind), payload.UserCode, id,
		); err != nil {
			return storageError("reindex user code", err)
		}
	}
	if payload.UID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET uid = NULL WHERE kind = ? AND uid = ? AND id <> ?`,
			string(kind), payload.UID, id,
		); err != nil {
			return storageError("reindex uid", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageError("commit", err)
	}
	return nil
}

// Find implements RecordStore.
func (s *SQLiteStore) Find(ctx context.Context, kind Kind, id string) (*Record, error) {
	return s.findWhere(ctx, kind, "id", id)
}

// FindByUserCode implements RecordStore.
func (s *SQLiteStore) FindByUserCode(ctx context.Context, kind Kind, userCode string) (*Record, error) {
	if userCode == "" {
		return nil, ErrNotFound
	}
	return s.findWhere(ctx, kind, "user_code", userCode)
}

// FindByUID implements RecordStore.
func (s *SQLiteStore) FindByUID(ctx context.Context, kind Kind, uid string) (*Record, error) {
	if uid == "" {
		return nil, ErrNotFound
	}
	return s.findWhere(ctx, kind, "uid", uid)
}

// Destroy implements RecordStore.
func (s *SQLiteStore) Destroy(ctx context.Context, kind Kind, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE kind = ? AND id = ?`, string(kind), id,
	); err != nil {
		return storageError("destroy", err)
	}
	return nil
}

// RevokeByGrantID implements RecordStore.
func (s *SQLiteStore) RevokeByGrantID(ctx context.Context, grantID string) error {
	if grantID == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE grant_id = ?`, grantID)
	if err != nil {
		return storageError("revoke by grant", err)
	}
	count, _ := res.RowsAffected()
	logger.Debugw("revoked records by grant",
		"grant_id", grantID,
		"count", count,
	)
	return nil
}

// Consume implements RecordStore.
func (s *SQLiteStore) Consume(ctx context.Context, kind Kind, id string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET consumed_at = ?
		WHERE kind = ? AND id = ? AND consumed_at IS NULL
			AND (expires_at IS NULL OR expires_at > ?)`,
		now.UnixNano(), string(kind), id, now.UnixNano(),
	)
	if err != nil {
		return storageError("consume", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError("consume", err)
	}
	if affected == 1 {
		return nil
	}

	// Nothing was updated: the row is missing, expired, or already consumed.
	rec, err := s.Find(ctx, kind, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Consumed() {
		return ErrAlreadyConsumed
	}
	return nil
}

// findWhere returns the live record of kind matching column = value,
// deleting it first if it has expired. column is always a constant.
func (s *SQLiteStore) findWhere(ctx context.Context, kind Kind, column, value string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE kind = ? AND ` + column + ` = ? LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, string(kind), value)
	rec, err := scanRecord(kind, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("find", err)
	}

	now := s.now()
	if rec.expired(now) {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM records WHERE kind = ? AND id = ? AND expires_at <= ?`,
			string(kind), rec.ID, now.UnixNano(),
		); err != nil {
			return nil, storageError("purge expired", err)
		}
		return nil, ErrNotFound
	}
	return rec, nil
}

// cleanupLoop runs periodic cleanup of expired rows.
func (s *SQLiteStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired(context.Background())
		}
	}
}

func (s *SQLiteStore) cleanupExpired(ctx context.Context) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UnixNano(),
	)
	if err != nil {
		logger.Warnw("failed to sweep expired records", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Debugw("swept expired records", "count", n)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(kind Kind, row scanner) (*Record, error) {
	var (
		rec                      = &Record{Kind: kind}
		data                     []byte
		grantID, userCode, uid   sql.NullString
		expiresAt, consumedAtRaw sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &data, &grantID, &userCode, &uid, &expiresAt, &consumedAtRaw); err != nil {
		return nil, err
	}
	rec.Data = data
	rec.GrantID = grantID.String
	rec.UserCode = userCode.String
	rec.UID = uid.String
	rec.ExpiresAt = fromNullTime(expiresAt)
	rec.ConsumedAt = fromNullTime(consumedAtRaw)
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: strings.TrimSpace(s) != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

// Compile-time interface compliance check.
var _ RecordStore = (*SQLiteStore)(nil)
