// Package dialect papers over the SQL differences between the SQLite
// and Postgres backends so the stores can share one set of queries.
package dialect

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver name selects the Postgres backend.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Like picks the case-insensitive pattern-match operator: ILIKE on
// Postgres, plain LIKE on SQLite (already case-insensitive for ASCII).
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}
