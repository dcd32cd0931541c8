// SPDX-License-Identifier: MIT

// Package sqlite opens the embedded relational file backing the
// reconciliation cache, with mandatory pragmas applied to every pooled
// connection.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver
)

// Config defines standard SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns sane defaults: a writer-friendly pool, WAL mode, and
// a 5s busy timeout so concurrent cache readers never see SQLITE_BUSY.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	}
}

// Open initializes a SQLite connection pool with mandatory PRAGMAs applied
// to every connection via the DSN, so the pool can never hand out a
// connection missing WAL/foreign-key/busy-timeout settings.
func Open(dbPath string, cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	return db, nil
}

// OpenMemory opens an in-process, non-persistent database, used by tests
// and by callers that want the Cache's API without a backing file.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open memory failed: %w", err)
	}
	db.SetMaxOpenConns(1) // :memory: databases are connection-local
	return db, nil
}
