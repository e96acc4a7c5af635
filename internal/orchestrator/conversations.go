package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/confab/confab/internal/common/errors"
	"github.com/confab/confab/internal/conversation/models"
	"github.com/confab/confab/internal/conversation/store"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// CreateConversation validates metadata, stores the conversation, and
// best-effort emits a meta_created system event. Since system events never
// open turns, the marker only lands if some write path has already opened
// one; for a fresh conversation it is dropped.
func (s *Service) CreateConversation(ctx context.Context, params v1.CreateConversationParams) (*models.Conversation, error) {
	if err := validateMetadata(params.Metadata); err != nil {
		return nil, err
	}

	conv, err := s.store.CreateConversation(ctx, &models.Conversation{
		Title:       params.Title,
		Description: params.Description,
		ScenarioRef: params.ScenarioRef,
		Metadata:    params.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if out, err := s.appendSystem(ctx, conv.ID, v1.SystemMetaCreated, map[string]any{"title": conv.Title}); err != nil {
		s.log.WithError(err).Warn("meta_created emit failed", zap.Int64("conversation", conv.ID))
	} else if out.Dropped {
		s.log.Debug("meta_created dropped: no open turn", zap.Int64("conversation", conv.ID))
	}

	s.log.Info("conversation created",
		zap.Int64("conversation", conv.ID),
		zap.Int("participants", len(conv.Metadata.Participants)))
	return conv, nil
}

func validateMetadata(meta v1.Metadata) error {
	if len(meta.Participants) == 0 {
		return apperrors.Validation("metadata.participants must not be empty")
	}
	seen := make(map[string]bool, len(meta.Participants))
	for _, p := range meta.Participants {
		if p.AgentID == "" {
			return apperrors.Validation("every participant needs an agentId")
		}
		if seen[p.AgentID] {
			return apperrors.Validation("duplicate participant " + p.AgentID)
		}
		seen[p.AgentID] = true
	}
	if meta.StartingAgentID != "" && !seen[meta.StartingAgentID] {
		return apperrors.Validation("startingAgentId is not a participant")
	}
	return nil
}

// UpdateMeta merges a metadata patch into a conversation and stores the
// result. Fields left empty in the patch keep their stored values; Custom
// keys merge over the stored document. The change is marked with a
// best-effort meta_updated system event, which lands only if a turn is
// open.
func (s *Service) UpdateMeta(ctx context.Context, params v1.UpdateMetaParams) (*models.Conversation, error) {
	unlock := s.lockPublish(params.Conversation)
	defer unlock()

	conv, err := s.store.GetConversation(ctx, params.Conversation)
	if err != nil {
		return nil, err
	}
	if conv.Status == models.ConversationCompleted {
		return nil, apperrors.ConversationClosed(params.Conversation)
	}

	merged := conv.Metadata
	if params.Metadata.Participants != nil {
		merged.Participants = params.Metadata.Participants
	}
	if params.Metadata.StartingAgentID != "" {
		merged.StartingAgentID = params.Metadata.StartingAgentID
	}
	if params.Metadata.TurnOrder != nil {
		merged.TurnOrder = params.Metadata.TurnOrder
	}
	if len(params.Metadata.Custom) > 0 {
		if merged.Custom == nil {
			merged.Custom = make(map[string]any, len(params.Metadata.Custom))
		}
		for k, v := range params.Metadata.Custom {
			merged.Custom[k] = v
		}
	}
	if err := validateMetadata(merged); err != nil {
		return nil, err
	}

	if err := s.store.UpdateMeta(ctx, params.Conversation, merged); err != nil {
		return nil, err
	}
	conv.Metadata = merged

	if out, err := s.appendSystemLocked(ctx, conv.ID, v1.SystemMetaUpdated, map[string]any{"title": conv.Title}); err != nil {
		s.log.WithError(err).Warn("meta_updated emit failed", zap.Int64("conversation", conv.ID))
	} else if out.Dropped {
		s.log.Debug("meta_updated dropped: no open turn", zap.Int64("conversation", conv.ID))
	}

	s.log.Info("conversation metadata updated",
		zap.Int64("conversation", conv.ID),
		zap.Int("participants", len(merged.Participants)))
	return conv, nil
}

// ActiveClaims lists a conversation's unexpired turn claims.
func (s *Service) ActiveClaims(ctx context.Context, conversation int64) ([]*models.Claim, error) {
	if _, err := s.store.GetConversation(ctx, conversation); err != nil {
		return nil, err
	}
	return s.store.ListActiveClaims(ctx, conversation, time.Now().UTC())
}

// GetConversation loads one conversation.
func (s *Service) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// ListConversations lists conversations newest first.
func (s *Service) ListConversations(ctx context.Context, params v1.ListConversationsParams) ([]*models.Conversation, error) {
	return s.store.ListConversations(ctx, store.ListConversationsFilter{
		Query:  params.Query,
		Status: models.ConversationStatus(params.Status),
		Limit:  params.Limit,
		Offset: params.Offset,
	})
}

// GetEvents pages through a conversation log in seq order.
func (s *Service) GetEvents(ctx context.Context, params v1.GetEventsParams) ([]*models.Event, error) {
	if _, err := s.store.GetConversation(ctx, params.Conversation); err != nil {
		return nil, err
	}
	return s.store.GetEvents(ctx, params.Conversation, params.SinceSeq, params.Limit)
}

// Snapshot assembles a consistent view of a conversation: its row, a page
// of its log, and the derived head state.
func (s *Service) Snapshot(ctx context.Context, params v1.GetConversationParams) (*v1.Snapshot, error) {
	conv, err := s.store.GetConversation(ctx, params.Conversation)
	if err != nil {
		return nil, err
	}
	events, err := s.store.GetEvents(ctx, params.Conversation, params.SinceSeq, params.Limit)
	if err != nil {
		return nil, err
	}
	head, err := s.store.Head(ctx, params.Conversation)
	if err != nil {
		return nil, err
	}

	snapshot := &v1.Snapshot{
		Conversation:  conv.ToAPI(),
		Events:        models.EventsToAPI(events),
		LastTurn:      head.LastTurn,
		LastClosedSeq: head.LastClosedSeq,
		HasOpenTurn:   head.HasOpenTurn,
	}
	if params.IncludeScenario && conv.ScenarioRef != "" && s.scenarios != nil {
		scenario, err := s.scenarios.GetScenario(ctx, conv.ScenarioRef)
		if err != nil {
			s.log.WithError(err).Warn("scenario load failed",
				zap.String("scenario_ref", conv.ScenarioRef))
		} else {
			snapshot.Scenario = scenario
		}
	}
	return snapshot, nil
}
