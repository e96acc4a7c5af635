package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Default pool sizing for Postgres. Unlike SQLite there is no
// single-writer constraint, so appends and reads share one pool.
const (
	defaultPostgresMaxConns  = 25
	defaultPostgresIdleConns = 5
)

// OpenPostgres opens a Postgres pool through the pgx stdlib driver and
// verifies the connection with a ping. Zero values for maxConns and
// idleConns select the defaults above.
func OpenPostgres(dsn string, maxConns, idleConns int) (*sql.DB, error) {
	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if idleConns <= 0 {
		idleConns = defaultPostgresIdleConns
	}
	pool.SetMaxOpenConns(maxConns)
	pool.SetMaxIdleConns(idleConns)

	if err := pool.Ping(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return pool, nil
}
