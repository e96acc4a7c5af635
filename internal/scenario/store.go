// Package scenario stores the scenario documents conversations can
// reference. A scenario is an opaque JSON document under a stable ref;
// the orchestrator resolves refs when building snapshots.
package scenario

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/confab/confab/internal/common/errors"
	"github.com/confab/confab/internal/common/logger"
	"github.com/confab/confab/internal/db"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// Store persists scenarios.
type Store struct {
	db  *sqlx.DB
	ro  *sqlx.DB
	log *logger.Logger
}

// New creates a Store on the given pool and initializes the schema.
func New(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{
		db:  pool.Writer(),
		ro:  pool.Reader(),
		log: log,
	}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("init scenario schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS scenarios (
			ref TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			document TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`)
	return err
}

type scenarioRow struct {
	Ref       string    `db:"ref"`
	Title     string    `db:"title"`
	Document  string    `db:"document"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *scenarioRow) toAPI() *v1.Scenario {
	return &v1.Scenario{
		Ref:       r.Ref,
		Title:     r.Title,
		Document:  json.RawMessage(r.Document),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Put inserts or replaces the scenario stored under scenario.Ref.
func (s *Store) Put(ctx context.Context, scenario *v1.Scenario) (*v1.Scenario, error) {
	if scenario.Ref == "" {
		return nil, apperrors.Validation("scenario ref is required")
	}
	document := "{}"
	if len(scenario.Document) > 0 {
		if !json.Valid(scenario.Document) {
			return nil, apperrors.Validation("scenario document must be valid JSON")
		}
		document = string(scenario.Document)
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO scenarios (ref, title, document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (ref) DO UPDATE SET title = excluded.title,
			document = excluded.document, updated_at = excluded.updated_at`),
		scenario.Ref, scenario.Title, document, now, now)
	if err != nil {
		return nil, apperrors.Internal("put scenario", err)
	}
	return s.GetScenario(ctx, scenario.Ref)
}

// GetScenario loads one scenario by ref. Satisfies the orchestrator's
// scenario resolver.
func (s *Store) GetScenario(ctx context.Context, ref string) (*v1.Scenario, error) {
	var row scenarioRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(
		`SELECT ref, title, document, created_at, updated_at FROM scenarios WHERE ref = ?`), ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("scenario %s not found", ref))
	}
	if err != nil {
		return nil, apperrors.Internal("get scenario", err)
	}
	return row.toAPI(), nil
}

// List returns all scenarios, newest first, without their documents.
func (s *Store) List(ctx context.Context) ([]*v1.Scenario, error) {
	var rows []scenarioRow
	err := s.ro.SelectContext(ctx, &rows,
		`SELECT ref, title, '{}' AS document, created_at, updated_at
		 FROM scenarios ORDER BY updated_at DESC`)
	if err != nil {
		return nil, apperrors.Internal("list scenarios", err)
	}
	scenarios := make([]*v1.Scenario, 0, len(rows))
	for i := range rows {
		scenarios = append(scenarios, rows[i].toAPI())
	}
	return scenarios, nil
}

// Delete removes a scenario.
func (s *Store) Delete(ctx context.Context, ref string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM scenarios WHERE ref = ?`), ref)
	if err != nil {
		return apperrors.Internal("delete scenario", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound(fmt.Sprintf("scenario %s not found", ref))
	}
	return nil
}
