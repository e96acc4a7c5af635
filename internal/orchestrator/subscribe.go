package orchestrator

import (
	"context"

	apperrors "github.com/confab/confab/internal/common/errors"
	"github.com/confab/confab/internal/conversation/models"
	"github.com/confab/confab/internal/events/bus"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// Subscribe opens a live subscription and returns the backlog of stored
// events after params.SinceSeq.
//
// The live registration happens before the backlog read, so nothing can
// fall in the gap between them; the price is that the tail of the backlog
// may also arrive on the live channel. Consumers keep the highest seq they
// have handled and skip anything at or below it.
func (s *Service) Subscribe(ctx context.Context, params v1.SubscribeParams) (*bus.Subscription, []*models.Event, error) {
	if _, err := s.store.GetConversation(ctx, params.Conversation); err != nil {
		return nil, nil, err
	}

	filter := bus.Filter{}
	for _, t := range params.Types {
		typ := models.EventType(t)
		if !typ.Valid() {
			return nil, nil, apperrors.Validation("unknown event type " + t)
		}
		filter.Types = append(filter.Types, typ)
	}
	filter.Agents = append(filter.Agents, params.Agents...)

	sub := s.bus.Subscribe(params.Conversation, filter, params.IncludeGuidance)

	backlog, err := s.replay(ctx, params.Conversation, params.SinceSeq, filter)
	if err != nil {
		s.bus.Unsubscribe(params.Conversation, sub.ID)
		return nil, nil, err
	}
	return sub, backlog, nil
}

// replay loads all stored events after sinceSeq that pass the filter.
func (s *Service) replay(ctx context.Context, conversation, sinceSeq int64, filter bus.Filter) ([]*models.Event, error) {
	const batch = 500
	var backlog []*models.Event
	cursor := sinceSeq
	for {
		page, err := s.store.GetEvents(ctx, conversation, cursor, batch)
		if err != nil {
			return nil, err
		}
		for _, ev := range page {
			if filter.Admits(ev) {
				backlog = append(backlog, ev)
			}
		}
		if len(page) < batch {
			return backlog, nil
		}
		cursor = page[len(page)-1].Seq
	}
}

// Unsubscribe tears down a live subscription.
func (s *Service) Unsubscribe(conversation int64, subscriptionID string) {
	s.bus.Unsubscribe(conversation, subscriptionID)
}
