package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/confab/confab/internal/common/errors"
	"github.com/confab/confab/internal/conversation/models"
	"github.com/confab/confab/internal/db/dialect"
)

// InsertClaim records a turn claim for (conversation, guidanceSeq) and
// reports whether this claim won. Exactly one insert succeeds per key; a
// losing insert leaves the winner's row untouched.
func (s *Store) InsertClaim(ctx context.Context, conversation, guidanceSeq int64, agentID string, expiresAt time.Time) (bool, error) {
	now := time.Now().UTC()
	won, err := dialect.InsertIgnore(ctx, s.db,
		`INSERT INTO claims (conversation, guidance_seq, agent_id, claimed_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		conversation, guidanceSeq, agentID, now, expiresAt)
	if err != nil {
		return false, apperrors.Internal("insert claim", err)
	}
	return won, nil
}

// GetClaim returns the claim holding (conversation, guidanceSeq), or nil.
func (s *Store) GetClaim(ctx context.Context, conversation, guidanceSeq int64) (*models.Claim, error) {
	var claim models.Claim
	err := s.ro.GetContext(ctx, &claim,
		s.ro.Rebind(`SELECT conversation, guidance_seq, agent_id, claimed_at, expires_at
		 FROM claims WHERE conversation = ? AND guidance_seq = ?`),
		conversation, guidanceSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("get claim", err)
	}
	return &claim, nil
}

// DeleteClaim removes one claim, typically after its deadline passed.
func (s *Store) DeleteClaim(ctx context.Context, conversation, guidanceSeq int64) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM claims WHERE conversation = ? AND guidance_seq = ?`),
		conversation, guidanceSeq)
	if err != nil {
		return apperrors.Internal("delete claim", err)
	}
	return nil
}

// DeleteClaims removes every claim for a conversation. Called when a turn
// closes (the outstanding prompt is consumed) and when a conversation
// completes.
func (s *Store) DeleteClaims(ctx context.Context, conversation int64) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM claims WHERE conversation = ?`), conversation)
	if err != nil {
		return apperrors.Internal("delete claims", err)
	}
	return nil
}

// ListActiveClaims returns a conversation's unexpired claims in claim order.
func (s *Store) ListActiveClaims(ctx context.Context, conversation int64, now time.Time) ([]*models.Claim, error) {
	var claims []*models.Claim
	err := s.ro.SelectContext(ctx, &claims,
		s.ro.Rebind(`SELECT conversation, guidance_seq, agent_id, claimed_at, expires_at
		 FROM claims WHERE conversation = ? AND expires_at > ? ORDER BY guidance_seq ASC`),
		conversation, now)
	if err != nil {
		return nil, apperrors.Internal("list active claims", err)
	}
	return claims, nil
}

// ListExpiredClaims returns claims whose deadline passed before now.
func (s *Store) ListExpiredClaims(ctx context.Context, now time.Time) ([]*models.Claim, error) {
	var claims []*models.Claim
	err := s.ro.SelectContext(ctx, &claims,
		s.ro.Rebind(`SELECT conversation, guidance_seq, agent_id, claimed_at, expires_at
		 FROM claims WHERE expires_at < ? ORDER BY expires_at ASC`), now)
	if err != nil {
		return nil, apperrors.Internal("list expired claims", err)
	}
	return claims, nil
}
