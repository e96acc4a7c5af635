package orchestrator

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	apperrors "github.com/confab/confab/internal/common/errors"
	"github.com/confab/confab/internal/conversation/models"
	"github.com/confab/confab/internal/conversation/store"
	"github.com/confab/confab/internal/orchestrator/scheduler"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// SendMessage appends a message event and returns its coordinates. Replayed
// reports an idempotent replay of an earlier send with the same
// clientRequestId.
func (s *Service) SendMessage(ctx context.Context, params v1.SendMessageParams) (result *v1.AppendResult, replayed bool, err error) {
	if params.AgentID == "" {
		return nil, false, apperrors.Validation("agentId is required")
	}
	finality := models.Finality(params.Finality)
	if finality == "" {
		finality = models.FinalityNone
	}
	if !finality.Valid() {
		return nil, false, apperrors.Validation("finality must be none, turn, or conversation")
	}

	payload, err := json.Marshal(v1.MessagePayload{
		Text:            params.Text,
		Attachments:     params.Attachments,
		Outcome:         params.Outcome,
		ClientRequestID: params.ClientRequestID,
	})
	if err != nil {
		return nil, false, apperrors.Internal("marshal message payload", err)
	}

	out, err := s.appendAndPublish(ctx, store.AppendEventInput{
		Conversation: params.Conversation,
		Type:         models.EventMessage,
		Finality:     finality,
		AgentID:      params.AgentID,
		Turn:         params.Turn,
		Payload:      payload,
	})
	if err != nil {
		return nil, false, err
	}
	return &v1.AppendResult{
		Seq:   out.Event.Seq,
		Turn:  out.Event.Turn,
		Event: out.Event.Event,
	}, out.Replayed, nil
}

// SendTrace appends a trace event into the conversation's open turn.
func (s *Service) SendTrace(ctx context.Context, params v1.SendTraceParams) (*v1.AppendResult, bool, error) {
	if params.AgentID == "" {
		return nil, false, apperrors.Validation("agentId is required")
	}
	payload, err := json.Marshal(v1.TracePayload{
		Kind:            params.Kind,
		Text:            params.Text,
		Data:            params.Data,
		ClientRequestID: params.ClientRequestID,
	})
	if err != nil {
		return nil, false, apperrors.Internal("marshal trace payload", err)
	}

	out, err := s.appendAndPublish(ctx, store.AppendEventInput{
		Conversation: params.Conversation,
		Type:         models.EventTrace,
		AgentID:      params.AgentID,
		Turn:         params.Turn,
		Payload:      payload,
	})
	if err != nil {
		return nil, false, err
	}
	return &v1.AppendResult{
		Seq:   out.Event.Seq,
		Turn:  out.Event.Turn,
		Event: out.Event.Event,
	}, out.Replayed, nil
}

// appendSystem appends an advisory system event. A drop (no open turn) is
// not an error; the returned outcome has Dropped set.
func (s *Service) appendSystem(ctx context.Context, conversation int64, kind string, data map[string]any) (*store.AppendOutcome, error) {
	unlock := s.lockPublish(conversation)
	defer unlock()
	return s.appendSystemLocked(ctx, conversation, kind, data)
}

// appendSystemLocked is appendSystem for callers already holding the
// conversation publish lock.
func (s *Service) appendSystemLocked(ctx context.Context, conversation int64, kind string, data map[string]any) (*store.AppendOutcome, error) {
	payload, err := json.Marshal(v1.SystemPayload{Kind: kind, Data: data})
	if err != nil {
		return nil, apperrors.Internal("marshal system payload", err)
	}
	return s.appendAndPublishLocked(ctx, store.AppendEventInput{
		Conversation: conversation,
		Type:         models.EventSystem,
		AgentID:      "orchestrator",
		Payload:      payload,
	})
}

// appendAndPublish commits one event and fans it out. The per-conversation
// publish lock keeps bus order aligned with seq order; a closing message
// consumes outstanding claims and emits fresh guidance while the lock is
// still held, so subscribers always see guidance directly after the closing
// event.
func (s *Service) appendAndPublish(ctx context.Context, in store.AppendEventInput) (*store.AppendOutcome, error) {
	unlock := s.lockPublish(in.Conversation)
	defer unlock()
	return s.appendAndPublishLocked(ctx, in)
}

func (s *Service) appendAndPublishLocked(ctx context.Context, in store.AppendEventInput) (*store.AppendOutcome, error) {
	out, err := s.store.AppendEvent(ctx, in)
	if err != nil {
		return nil, err
	}
	if out.Dropped || out.Replayed {
		// Nothing new was written; nothing to fan out.
		return out, nil
	}

	s.bus.PublishEvent(out.Event)

	if out.Event.Type == models.EventMessage && out.Event.Finality.Closes() {
		// The turn is over, so any outstanding prompt is consumed.
		if err := s.store.DeleteClaims(ctx, in.Conversation); err != nil {
			s.log.WithError(err).Warn("failed to clear claims on turn close",
				zap.Int64("conversation", in.Conversation))
		}
		if out.Event.Finality == models.FinalityTurn {
			s.emitGuidance(ctx, out.Event)
		}
	}
	return out, nil
}

// emitGuidance runs the scheduling policy for a closing event and publishes
// the resulting prompt. Guidance is transient: it is never persisted and a
// failure here only means no agent gets prompted until the watchdog or a
// client intervenes.
func (s *Service) emitGuidance(ctx context.Context, closing *models.Event) {
	conv, err := s.store.GetConversation(ctx, closing.Conversation)
	if err != nil {
		s.log.WithError(err).Warn("guidance skipped: conversation load failed",
			zap.Int64("conversation", closing.Conversation))
		return
	}
	spoken, err := s.store.LastSpoken(ctx, closing.Conversation)
	if err != nil {
		s.log.WithError(err).Warn("guidance skipped: last spoken load failed",
			zap.Int64("conversation", closing.Conversation))
		return
	}

	next, ok := s.policy.Decide(scheduler.Input{
		Metadata:   &conv.Metadata,
		Closing:    closing,
		LastSpoken: spoken,
	})
	if !ok {
		return
	}

	guidance := models.NewGuidance(closing.Conversation, closing.Seq, next, s.cfg.IdleTurn())
	s.bus.PublishGuidance(guidance)
	s.log.Debug("guidance emitted",
		zap.Int64("conversation", closing.Conversation),
		zap.Float64("guidance_seq", guidance.Seq),
		zap.String("next_agent", next))
}
