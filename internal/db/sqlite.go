package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// sqliteBusyTimeout bounds how long a connection waits on a lock
	// before surfacing SQLITE_BUSY. Appends are short transactions, so
	// a few seconds is plenty.
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns caps the read-only pool. Snapshot and event-page
	// queries run concurrently with appends under WAL.
	sqliteReaderConns = 4
)

// OpenSQLite opens the writer side of the database: a single connection
// in WAL mode. The event log is append-only and every append runs in its
// own transaction, so funneling all writes through one connection
// serializes them without ever hitting SQLITE_BUSY from our own process.
func OpenSQLite(path string) (*sql.DB, error) {
	path = absolutePath(path)
	if err := touchDatabaseFile(path); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	writer, err := sql.Open("sqlite3", sqliteDSN(path, url.Values{
		"_mode":         {"rwc"},
		"_journal_mode": {"WAL"},
		"_synchronous":  {"NORMAL"},
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	return writer, nil
}

// OpenSQLiteReader opens the read-only side: a small pool of connections
// that serve snapshots, event pages and list queries. WAL lets these
// proceed while the writer appends; journal_mode and synchronous are
// database-level settings owned by the writer, so the reader DSN leaves
// them alone.
func OpenSQLiteReader(path string) (*sql.DB, error) {
	reader, err := sql.Open("sqlite3", sqliteDSN(absolutePath(path), url.Values{
		"_mode": {"ro"},
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)
	return reader, nil
}

// sqliteDSN builds a file: DSN with the settings shared by both sides of
// the pool: foreign keys on, a bounded busy timeout, and a shared page
// cache across connections.
func sqliteDSN(path string, extra url.Values) string {
	params := url.Values{
		"_foreign_keys": {"on"},
		"_busy_timeout": {fmt.Sprintf("%d", int(sqliteBusyTimeout/time.Millisecond))},
		"_cache":        {"shared"},
	}
	for key, vals := range extra {
		params[key] = vals
	}
	return fmt.Sprintf("file:%s?%s", path, params.Encode())
}

// touchDatabaseFile creates the database file (and any parent
// directories) so the read-only pool can open it even before the first
// write lands.
func touchDatabaseFile(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func absolutePath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
