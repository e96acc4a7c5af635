package dialect

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/confab/confab/internal/db"
)

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("expected pgx to be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestLike(t *testing.T) {
	if Like(SQLite3) != "LIKE" {
		t.Errorf("sqlite: got %q", Like(SQLite3))
	}
	if Like(PGX) != "ILIKE" {
		t.Errorf("pgx: got %q", Like(PGX))
	}
}

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	rawDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlxDB := sqlx.NewDb(rawDB, SQLite3)
	t.Cleanup(func() { _ = sqlxDB.Close() })
	return sqlxDB
}

func TestInsertReturning_SQLite(t *testing.T) {
	sqlxDB := openTestDB(t)

	_, err := sqlxDB.Exec(`CREATE TABLE test_insert (seq INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}

	seq, err := InsertReturning(context.Background(), sqlxDB, "seq", `INSERT INTO test_insert (name) VALUES (?)`, "hello")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected seq 1, got %d", seq)
	}

	seq, err = InsertReturning(context.Background(), sqlxDB, "seq", `INSERT INTO test_insert (name) VALUES (?)`, "world")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if seq != 2 {
		t.Errorf("expected seq 2, got %d", seq)
	}
}

func TestInsertIgnore_SQLite(t *testing.T) {
	sqlxDB := openTestDB(t)

	_, err := sqlxDB.Exec(`CREATE TABLE test_claims (conversation INTEGER, guidance_seq INTEGER, agent_id TEXT, PRIMARY KEY (conversation, guidance_seq))`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}

	inserted, err := InsertIgnore(context.Background(), sqlxDB,
		`INSERT INTO test_claims (conversation, guidance_seq, agent_id) VALUES (?, ?, ?)`, 1, 5, "a")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Error("expected first insert to win")
	}

	inserted, err = InsertIgnore(context.Background(), sqlxDB,
		`INSERT INTO test_claims (conversation, guidance_seq, agent_id) VALUES (?, ?, ?)`, 1, 5, "b")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted {
		t.Error("expected conflicting insert to be ignored")
	}

	var holder string
	if err := sqlxDB.Get(&holder, `SELECT agent_id FROM test_claims WHERE conversation = 1 AND guidance_seq = 5`); err != nil {
		t.Fatalf("get: %v", err)
	}
	if holder != "a" {
		t.Errorf("expected holder a, got %q", holder)
	}
}
