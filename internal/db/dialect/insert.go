package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Execer is the subset of sqlx used by the insert helpers, satisfied by both
// *sqlx.DB and *sqlx.Tx.
type Execer interface {
	sqlx.ExtContext
	DriverName() string
	Rebind(string) string
}

// InsertReturning executes an INSERT and returns the auto-generated value of
// the named column.
//
//	Postgres: appends RETURNING <col> and scans the result.
//	SQLite:   uses LastInsertId() from the exec result.
func InsertReturning(ctx context.Context, db Execer, col, query string, args ...any) (int64, error) {
	if IsPostgres(db.DriverName()) {
		var id int64
		err := db.QueryRowxContext(ctx, db.Rebind(query+" RETURNING "+col), args...).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert returning %s: %w", col, err)
		}
		return id, nil
	}

	result, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// InsertReturningID executes an INSERT and returns the auto-generated ID.
func InsertReturningID(ctx context.Context, db Execer, query string, args ...any) (int64, error) {
	return InsertReturning(ctx, db, "id", query, args...)
}

// InsertIgnore executes an INSERT that is a no-op on primary-key conflict and
// reports whether a row was actually inserted.
//
//	Postgres: appends ON CONFLICT DO NOTHING.
//	SQLite:   rewrites INSERT to INSERT OR IGNORE.
func InsertIgnore(ctx context.Context, db Execer, query string, args ...any) (bool, error) {
	if IsPostgres(db.DriverName()) {
		query += " ON CONFLICT DO NOTHING"
	} else {
		query = "INSERT OR IGNORE" + query[len("INSERT"):]
	}
	result, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
