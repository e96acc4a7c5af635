package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/confab/confab/internal/common/errors"
	"github.com/confab/confab/internal/conversation/models"
	"github.com/confab/confab/internal/db/dialect"
	"github.com/confab/confab/internal/tracing"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// AppendEventInput describes one append. Turn is normally zero, which lets
// the store resolve the target turn from head state; a positive Turn pins
// the append to that turn and fails with TURN_CLOSED if it is no longer
// open.
type AppendEventInput struct {
	Conversation int64
	Type         models.EventType
	Finality     models.Finality
	AgentID      string
	Turn         int
	Payload      json.RawMessage
}

// AppendOutcome is the result of AppendEvent.
type AppendOutcome struct {
	Event *models.Event

	// Replayed marks an idempotent replay: Event is the original event
	// recorded for the same (conversation, agent, clientRequestId).
	Replayed bool

	// Dropped marks an advisory system event discarded because no turn
	// was open. Event is nil.
	Dropped bool
}

// clientKey extracts the idempotency key from an opaque payload.
type clientKey struct {
	ClientRequestID string `json:"clientRequestId"`
}

// AppendEvent validates, addresses, and inserts one event in a single
// transaction, serialized against other appends to the same conversation.
//
// The turn rules are:
//   - message: continues the open turn, or opens a new one if none is open;
//     finality turn/conversation closes the turn with the same event.
//   - trace: requires an open turn (NO_OPEN_TURN otherwise).
//   - system: advisory; silently dropped when no turn is open.
//
// Only messages may carry finality other than none. Message payloads with
// raw attachment content are rewritten to hold references before storage;
// the bytes land in the attachments table under the same transaction.
func (s *Store) AppendEvent(ctx context.Context, in AppendEventInput) (out *AppendOutcome, err error) {
	if !in.Type.Valid() {
		return nil, apperrors.Validation(fmt.Sprintf("unknown event type %q", in.Type))
	}
	if in.Finality == "" {
		in.Finality = models.FinalityNone
	}
	if !in.Finality.Valid() {
		return nil, apperrors.Validation(fmt.Sprintf("unknown finality %q", in.Finality))
	}
	if in.Type != models.EventMessage && in.Finality != models.FinalityNone {
		return nil, apperrors.InvalidFinality(string(in.Type))
	}
	if len(in.Payload) == 0 {
		in.Payload = json.RawMessage(`{}`)
	}

	ctx, span := tracing.TraceAppend(ctx, in.Conversation, string(in.Type))
	defer func() {
		tracing.RecordResult(span, err)
		span.End()
	}()

	unlock := s.lockConversation(in.Conversation)
	defer unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal("begin append transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	outcome, err := s.appendInTx(ctx, tx, in)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Internal("commit append transaction", err)
	}
	return outcome, nil
}

func (s *Store) appendInTx(ctx context.Context, tx *sqlx.Tx, in AppendEventInput) (*AppendOutcome, error) {
	var status string
	err := tx.GetContext(ctx, &status, tx.Rebind(`SELECT status FROM conversations WHERE id = ?`), in.Conversation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ConversationNotFound(in.Conversation)
	}
	if err != nil {
		return nil, apperrors.Internal("load conversation status", err)
	}
	if models.ConversationStatus(status) == models.ConversationCompleted {
		return nil, apperrors.ConversationClosed(in.Conversation)
	}

	// Idempotency check before any head reasoning: a replay must return the
	// original coordinates even if the turn has since closed.
	var key clientKey
	_ = json.Unmarshal(in.Payload, &key)
	if key.ClientRequestID != "" {
		original, err := s.lookupIdempotent(ctx, tx, in.Conversation, in.AgentID, key.ClientRequestID)
		if err != nil {
			return nil, err
		}
		if original != nil {
			return &AppendOutcome{Event: original, Replayed: true}, nil
		}
	}

	head, err := headInTx(ctx, tx, in.Conversation)
	if err != nil {
		return nil, err
	}

	turn, err := resolveTurn(in, head)
	if err != nil {
		return nil, err
	}
	if turn == 0 {
		// Advisory system event with no open turn.
		return &AppendOutcome{Dropped: true}, nil
	}

	var nextIndex int
	err = tx.GetContext(ctx, &nextIndex,
		tx.Rebind(`SELECT COALESCE(MAX(event), 0) + 1 FROM events WHERE conversation = ? AND turn = ?`),
		in.Conversation, turn)
	if err != nil {
		return nil, apperrors.Internal("next event index", err)
	}

	now := time.Now().UTC()
	payload := in.Payload
	var attachments []*models.StoredAttachment
	if in.Type == models.EventMessage {
		payload, attachments, err = extractAttachments(in, turn, nextIndex, now)
		if err != nil {
			return nil, err
		}
	}

	seq, err := dialect.InsertReturning(ctx, tx, "seq",
		`INSERT INTO events (conversation, turn, event, type, finality, agent_id, ts, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.Conversation, turn, nextIndex, string(in.Type), string(in.Finality), in.AgentID, now, string(payload))
	if err != nil {
		return nil, apperrors.Internal("insert event", err)
	}

	for _, att := range attachments {
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO attachments (id, conversation, turn, event, name, content_type, content, summary, doc_ref, created_by_agent, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			att.ID, att.Conversation, att.Turn, att.Event, att.Name, att.ContentType,
			att.Content, att.Summary, att.DocRef, att.CreatedByAgent, att.CreatedAt)
		if err != nil {
			return nil, apperrors.Internal("insert attachment", err)
		}
	}

	if key.ClientRequestID != "" {
		err = s.recordIdempotent(ctx, tx, in.Conversation, in.AgentID, key.ClientRequestID, seq, turn, nextIndex, now)
		if err != nil {
			return nil, err
		}
	}

	if in.Finality == models.FinalityConversation {
		if err := completeConversation(ctx, tx, in.Conversation, now); err != nil {
			return nil, apperrors.Internal("complete conversation", err)
		}
	} else {
		if err := touchConversation(ctx, tx, in.Conversation, now); err != nil {
			return nil, apperrors.Internal("touch conversation", err)
		}
	}

	event := &models.Event{
		Seq:          seq,
		Conversation: in.Conversation,
		Turn:         turn,
		Event:        nextIndex,
		Type:         in.Type,
		Finality:     in.Finality,
		AgentID:      in.AgentID,
		TS:           now,
		Payload:      models.Payload(payload),
	}
	if s.log != nil {
		s.log.Debug("event appended",
			zap.Int64("conversation", in.Conversation),
			zap.Int64("seq", seq),
			zap.Int("turn", turn),
			zap.Int("event", nextIndex),
			zap.String("type", string(in.Type)),
			zap.String("finality", string(in.Finality)))
	}
	return &AppendOutcome{Event: event}, nil
}

// resolveTurn applies the turn rules and returns the target turn number.
// A zero return with nil error means an advisory system event should be
// dropped.
func resolveTurn(in AppendEventInput, head *models.Head) (int, error) {
	var target int
	switch in.Type {
	case models.EventMessage:
		if head.HasOpenTurn {
			target = head.LastTurn
		} else {
			target = head.LastTurn + 1
		}
	case models.EventTrace:
		if !head.HasOpenTurn {
			return 0, apperrors.NoOpenTurn(in.Conversation)
		}
		target = head.LastTurn
	case models.EventSystem:
		if !head.HasOpenTurn {
			return 0, nil
		}
		target = head.LastTurn
	}

	if in.Turn > 0 && in.Turn != target {
		if in.Turn <= head.LastTurn {
			return 0, apperrors.TurnClosed(in.Conversation, in.Turn)
		}
		return 0, apperrors.Validation(fmt.Sprintf("turn %d is not open yet", in.Turn))
	}
	return target, nil
}

// extractAttachments splits raw attachment bytes out of a message payload.
// It returns the payload rewritten to reference form plus the rows to store.
func extractAttachments(in AppendEventInput, turn, event int, now time.Time) (json.RawMessage, []*models.StoredAttachment, error) {
	var payload v1.MessagePayload
	if err := json.Unmarshal(in.Payload, &payload); err != nil {
		return nil, nil, apperrors.Validation(fmt.Sprintf("malformed message payload: %v", err))
	}
	if len(payload.Attachments) == 0 {
		return in.Payload, nil, nil
	}

	stored := make([]*models.StoredAttachment, 0, len(payload.Attachments))
	for i := range payload.Attachments {
		att := &payload.Attachments[i]
		if att.ID == "" {
			att.ID = uuid.New().String()
		}
		stored = append(stored, &models.StoredAttachment{
			ID:             att.ID,
			Conversation:   in.Conversation,
			Turn:           turn,
			Event:          event,
			Name:           att.Name,
			ContentType:    att.ContentType,
			Content:        att.Content,
			Summary:        att.Summary,
			DocRef:         att.DocRef,
			CreatedByAgent: in.AgentID,
			CreatedAt:      now,
		})
		// Reference form: drop the bytes, keep the address.
		att.Content = nil
	}

	rewritten, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, apperrors.Internal("rewrite message payload", err)
	}
	return rewritten, stored, nil
}

// headInTx derives the open-turn state from the log inside a transaction.
func headInTx(ctx context.Context, tx *sqlx.Tx, conversation int64) (*models.Head, error) {
	head := &models.Head{}

	var last struct {
		Turn     int    `db:"turn"`
		Finality string `db:"finality"`
	}
	err := tx.GetContext(ctx, &last,
		tx.Rebind(`SELECT turn, finality FROM events
		 WHERE conversation = ? AND type = 'message' ORDER BY seq DESC LIMIT 1`), conversation)
	if errors.Is(err, sql.ErrNoRows) {
		return head, nil
	}
	if err != nil {
		return nil, apperrors.Internal("load head message", err)
	}
	head.LastTurn = last.Turn
	head.HasOpenTurn = models.Finality(last.Finality) == models.FinalityNone

	err = tx.GetContext(ctx, &head.LastClosedSeq,
		tx.Rebind(`SELECT COALESCE(MAX(seq), 0) FROM events
		 WHERE conversation = ? AND type = 'message' AND finality IN ('turn', 'conversation')`), conversation)
	if err != nil {
		return nil, apperrors.Internal("load last closed seq", err)
	}
	return head, nil
}

// Head returns the derived open-turn state of a conversation.
func (s *Store) Head(ctx context.Context, conversation int64) (*models.Head, error) {
	if _, err := s.GetConversation(ctx, conversation); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.Internal("begin head transaction", err)
	}
	defer func() { _ = tx.Rollback() }()
	return headInTx(ctx, tx, conversation)
}

// GetEvents returns events of a conversation with seq greater than sinceSeq,
// in seq order, at most limit rows (default 500).
func (s *Store) GetEvents(ctx context.Context, conversation, sinceSeq int64, limit int) ([]*models.Event, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	var events []*models.Event
	err := s.ro.SelectContext(ctx, &events,
		s.ro.Rebind(`SELECT seq, conversation, turn, event, type, finality, agent_id, ts, payload
		 FROM events WHERE conversation = ? AND seq > ? ORDER BY seq ASC LIMIT ?`),
		conversation, sinceSeq, limit)
	if err != nil {
		return nil, apperrors.Internal("get events", err)
	}
	return events, nil
}

// LastSpoken maps each agent that has sent a message in the conversation to
// the seq of its most recent message.
func (s *Store) LastSpoken(ctx context.Context, conversation int64) (map[string]int64, error) {
	var rows []struct {
		AgentID string `db:"agent_id"`
		Seq     int64  `db:"seq"`
	}
	err := s.ro.SelectContext(ctx, &rows,
		s.ro.Rebind(`SELECT agent_id, MAX(seq) AS seq FROM events
		 WHERE conversation = ? AND type = 'message' GROUP BY agent_id`), conversation)
	if err != nil {
		return nil, apperrors.Internal("last spoken", err)
	}
	spoken := make(map[string]int64, len(rows))
	for _, row := range rows {
		spoken[row.AgentID] = row.Seq
	}
	return spoken, nil
}

// GetEvent returns the event at an exact (conversation, turn, event) address.
func (s *Store) GetEvent(ctx context.Context, conversation int64, turn, event int) (*models.Event, error) {
	var ev models.Event
	err := s.ro.GetContext(ctx, &ev,
		s.ro.Rebind(`SELECT seq, conversation, turn, event, type, finality, agent_id, ts, payload
		 FROM events WHERE conversation = ? AND turn = ? AND event = ?`),
		conversation, turn, event)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("no event at (%d, %d, %d)", conversation, turn, event))
	}
	if err != nil {
		return nil, apperrors.Internal("get event", err)
	}
	return &ev, nil
}
