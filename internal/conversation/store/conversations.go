package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/confab/confab/internal/common/errors"
	"github.com/confab/confab/internal/conversation/models"
	"github.com/confab/confab/internal/db/dialect"
	v1 "github.com/confab/confab/pkg/api/v1"
)

type conversationRow struct {
	ID          int64     `db:"id"`
	Title       string    `db:"title"`
	Description string    `db:"description"`
	ScenarioRef string    `db:"scenario_ref"`
	Metadata    string    `db:"metadata"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *conversationRow) toModel() (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		ScenarioRef: r.ScenarioRef,
		Status:      models.ConversationStatus(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal conversation %d metadata: %w", r.ID, err)
		}
	}
	return conv, nil
}

// CreateConversation inserts a new active conversation and returns it.
func (s *Store) CreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	metadataJSON, err := json.Marshal(conv.Metadata)
	if err != nil {
		return nil, apperrors.Validation(fmt.Sprintf("metadata is not serializable: %v", err))
	}

	now := time.Now().UTC()
	id, err := dialect.InsertReturningID(ctx, s.db,
		`INSERT INTO conversations (title, description, scenario_ref, metadata, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.Title, conv.Description, conv.ScenarioRef, string(metadataJSON),
		string(models.ConversationActive), now, now)
	if err != nil {
		return nil, apperrors.Internal("create conversation", err)
	}

	created := *conv
	created.ID = id
	created.Status = models.ConversationActive
	created.CreatedAt = now
	created.UpdatedAt = now
	return &created, nil
}

// UpdateMeta replaces a conversation's stored metadata. The caller merges
// the patch; this writes the merged document.
func (s *Store) UpdateMeta(ctx context.Context, id int64, metadata v1.Metadata) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return apperrors.Validation(fmt.Sprintf("metadata is not serializable: %v", err))
	}
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE conversations SET metadata = ?, updated_at = ? WHERE id = ?`),
		string(metadataJSON), time.Now().UTC(), id)
	if err != nil {
		return apperrors.Internal("update conversation metadata", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.Internal("update conversation metadata", err)
	}
	if affected == 0 {
		return apperrors.ConversationNotFound(id)
	}
	return nil
}

// GetConversation loads one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	var row conversationRow
	err := s.ro.GetContext(ctx, &row,
		s.ro.Rebind(`SELECT id, title, description, scenario_ref, metadata, status, created_at, updated_at
		 FROM conversations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ConversationNotFound(id)
	}
	if err != nil {
		return nil, apperrors.Internal("get conversation", err)
	}
	return row.toModel()
}

// ListConversationsFilter narrows ListConversations results.
type ListConversationsFilter struct {
	Query  string // substring match on title
	Status models.ConversationStatus
	Limit  int
	Offset int
}

// ListConversations returns conversations newest first.
func (s *Store) ListConversations(ctx context.Context, filter ListConversationsFilter) ([]*models.Conversation, error) {
	query := `SELECT id, title, description, scenario_ref, metadata, status, created_at, updated_at FROM conversations`
	var (
		clauses []string
		args    []any
	)
	if filter.Query != "" {
		clauses = append(clauses, "title "+dialect.Like(s.driver())+" ?")
		args = append(args, "%"+filter.Query+"%")
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY id DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	var rows []conversationRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(query), args...); err != nil {
		return nil, apperrors.Internal("list conversations", err)
	}
	conversations := make([]*models.Conversation, 0, len(rows))
	for i := range rows {
		conv, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

// ListIdleConversations returns the ids of active conversations that have
// not seen an append since the cutoff. The watchdog uses this to re-prompt
// conversations whose guidance went undelivered.
func (s *Store) ListIdleConversations(ctx context.Context, cutoff time.Time) ([]int64, error) {
	var ids []int64
	err := s.ro.SelectContext(ctx, &ids,
		s.ro.Rebind(`SELECT id FROM conversations WHERE status = ? AND updated_at < ?`),
		string(models.ConversationActive), cutoff)
	if err != nil {
		return nil, apperrors.Internal("list idle conversations", err)
	}
	return ids, nil
}

// touchConversation bumps updated_at inside an append transaction.
func touchConversation(ctx context.Context, tx dialect.Execer, id int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`), now, id)
	return err
}

// completeConversation marks a conversation completed inside an append
// transaction, once a message with conversation finality commits.
func completeConversation(ctx context.Context, tx dialect.Execer, id int64, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		tx.Rebind(`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`),
		string(models.ConversationCompleted), now, id)
	return err
}
