package store

import (
	"context"
	"fmt"

	"github.com/confab/confab/internal/db/dialect"
)

// initSchema creates the conversation tables if they do not exist.
// Statements are idempotent so startup can run them unconditionally.
func (s *Store) initSchema(ctx context.Context) error {
	autoPK := "INTEGER PRIMARY KEY AUTOINCREMENT"
	blob := "BLOB"
	if dialect.IsPostgres(s.driver()) {
		autoPK = "BIGSERIAL PRIMARY KEY"
		blob = "BYTEA"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversations (
			id %s,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			scenario_ref TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, autoPK),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS events (
			seq %s,
			conversation INTEGER NOT NULL,
			turn INTEGER NOT NULL,
			event INTEGER NOT NULL,
			type TEXT NOT NULL,
			finality TEXT NOT NULL DEFAULT 'none',
			agent_id TEXT NOT NULL DEFAULT '',
			ts TIMESTAMP NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			UNIQUE (conversation, turn, event)
		)`, autoPK),
		`CREATE INDEX IF NOT EXISTS idx_events_conversation_seq ON events(conversation, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_conversation_type ON events(conversation, type, seq)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			conversation INTEGER NOT NULL,
			turn INTEGER NOT NULL,
			event INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			content %s,
			summary TEXT NOT NULL DEFAULT '',
			doc_ref TEXT NOT NULL DEFAULT '',
			created_by_agent TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`, blob),
		`CREATE INDEX IF NOT EXISTS idx_attachments_event ON attachments(conversation, turn, event)`,

		`CREATE TABLE IF NOT EXISTS claims (
			conversation INTEGER NOT NULL,
			guidance_seq INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			claimed_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			PRIMARY KEY (conversation, guidance_seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_expires ON claims(expires_at)`,

		`CREATE TABLE IF NOT EXISTS idempotency (
			conversation INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			client_request_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			turn INTEGER NOT NULL,
			event INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (conversation, agent_id, client_request_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
