package calsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	sqliteStateTableName   = "relaycal_state"
	sqliteOperationTimeout = 5 * time.Second
)

// SQLiteStateBackend keeps snapshots in a local SQLite database, useful when
// the owner process wants a single file with WAL durability instead of one
// JSON file per key.
type SQLiteStateBackend struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStateBackend(path string) (StateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStateBackend{path: path}, nil
}

func (b *SQLiteStateBackend) Load(key string) ([]byte, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	var payload []byte
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT snapshot FROM %s WHERE state_key = ?", sqliteStateTableName), key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (b *SQLiteStateBackend) Save(key string, data []byte) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()

	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (state_key, snapshot, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`, sqliteStateTableName),
		key, data)
	return err
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	if _, err := b.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		_ = b.db.Close()
		return fmt.Errorf("checkpoint sqlite state: %w", err)
	}
	return b.db.Close()
}

func (b *SQLiteStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		if dir := filepath.Dir(b.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				b.initErr = err
				return
			}
		}
		db, err := sql.Open("sqlite3", "file:"+b.path)
		if err != nil {
			b.initErr = fmt.Errorf("open sqlite state: %w", err)
			return
		}
		// One writer keeps snapshot saves serialized.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("%s: %w", pragma, err)
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				state_key TEXT PRIMARY KEY,
				snapshot BLOB NOT NULL,
				updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, sqliteStateTableName)); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
