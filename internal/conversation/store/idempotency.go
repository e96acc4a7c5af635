package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/confab/confab/internal/common/errors"
	"github.com/confab/confab/internal/conversation/models"
)

// lookupIdempotent returns the original event for a previously recorded
// (conversation, agent, clientRequestId), or nil when the key is new.
func (s *Store) lookupIdempotent(ctx context.Context, tx *sqlx.Tx, conversation int64, agentID, clientRequestID string) (*models.Event, error) {
	var coords struct {
		Turn  int `db:"turn"`
		Event int `db:"event"`
	}
	err := tx.GetContext(ctx, &coords,
		tx.Rebind(`SELECT turn, event FROM idempotency
		 WHERE conversation = ? AND agent_id = ? AND client_request_id = ?`),
		conversation, agentID, clientRequestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("lookup idempotency record", err)
	}

	var ev models.Event
	err = tx.GetContext(ctx, &ev,
		tx.Rebind(`SELECT seq, conversation, turn, event, type, finality, agent_id, ts, payload
		 FROM events WHERE conversation = ? AND turn = ? AND event = ?`),
		conversation, coords.Turn, coords.Event)
	if err != nil {
		return nil, apperrors.Internal("load replayed event", err)
	}
	return &ev, nil
}

// recordIdempotent stores the coordinates assigned to a clientRequestId.
func (s *Store) recordIdempotent(ctx context.Context, tx *sqlx.Tx, conversation int64, agentID, clientRequestID string, seq int64, turn, event int, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO idempotency (conversation, agent_id, client_request_id, seq, turn, event, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		conversation, agentID, clientRequestID, seq, turn, event, now)
	if err != nil {
		return apperrors.Internal("record idempotency key", err)
	}
	return nil
}
