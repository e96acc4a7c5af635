package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/confab/confab/internal/common/errors"
	"github.com/confab/confab/internal/conversation/models"
)

// GetAttachment loads one attachment with its content.
func (s *Store) GetAttachment(ctx context.Context, id string) (*models.StoredAttachment, error) {
	var att models.StoredAttachment
	err := s.ro.GetContext(ctx, &att,
		s.ro.Rebind(`SELECT id, conversation, turn, event, name, content_type, content, summary, doc_ref, created_by_agent, created_at
		 FROM attachments WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("attachment %s not found", id))
	}
	if err != nil {
		return nil, apperrors.Internal("get attachment", err)
	}
	return &att, nil
}

// ListAttachments returns the attachments of one event, without content.
func (s *Store) ListAttachments(ctx context.Context, conversation int64, turn, event int) ([]*models.StoredAttachment, error) {
	var atts []*models.StoredAttachment
	err := s.ro.SelectContext(ctx, &atts,
		s.ro.Rebind(`SELECT id, conversation, turn, event, name, content_type, '' AS content, summary, doc_ref, created_by_agent, created_at
		 FROM attachments WHERE conversation = ? AND turn = ? AND event = ? ORDER BY id`),
		conversation, turn, event)
	if err != nil {
		return nil, apperrors.Internal("list attachments", err)
	}
	return atts, nil
}
