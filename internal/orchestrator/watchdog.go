package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/confab/confab/internal/conversation/models"
	"github.com/confab/confab/internal/orchestrator/scheduler"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// watchdogLoop periodically reaps expired turn claims so a crashed or stuck
// claimant cannot wedge a conversation.
func (s *Service) watchdogLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.WatchdogInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapExpiredClaims(ctx)
			s.nudgeIdleConversations(ctx)
		}
	}
}

// reapExpiredClaims deletes claims past their deadline and re-prompts. The
// expired claimant is treated as having had the floor, so the policy picks
// someone else when it can.
func (s *Service) reapExpiredClaims(ctx context.Context) {
	expired, err := s.store.ListExpiredClaims(ctx, time.Now().UTC())
	if err != nil {
		s.log.WithError(err).Warn("watchdog: listing expired claims failed")
		return
	}

	for _, claim := range expired {
		unlock := s.lockPublish(claim.Conversation)
		s.reapClaim(ctx, claim)
		unlock()
	}
}

func (s *Service) reapClaim(ctx context.Context, claim *models.Claim) {
	if err := s.store.DeleteClaim(ctx, claim.Conversation, claim.GuidanceSeq); err != nil {
		s.log.WithError(err).Warn("watchdog: claim delete failed",
			zap.Int64("conversation", claim.Conversation),
			zap.Int64("guidance_seq", claim.GuidanceSeq))
		return
	}
	s.log.Info("watchdog reaped expired claim",
		zap.Int64("conversation", claim.Conversation),
		zap.Int64("guidance_seq", claim.GuidanceSeq),
		zap.String("agent_id", claim.AgentID))

	conv, err := s.store.GetConversation(ctx, claim.Conversation)
	if err != nil || conv.Status != models.ConversationActive {
		return
	}

	// Advisory marker; lands only if a turn happens to be open.
	if _, err := s.appendSystemLocked(ctx, claim.Conversation, v1.SystemClaimExpired, map[string]any{
		"agentId":     claim.AgentID,
		"guidanceSeq": claim.GuidanceSeq,
	}); err != nil {
		s.log.WithError(err).Warn("claim_expired emit failed",
			zap.Int64("conversation", claim.Conversation))
	}

	head, err := s.store.Head(ctx, claim.Conversation)
	if err != nil {
		s.log.WithError(err).Warn("watchdog: head load failed",
			zap.Int64("conversation", claim.Conversation))
		return
	}
	if head.HasOpenTurn || head.LastClosedSeq != claim.GuidanceSeq {
		// The conversation moved on while the claim sat idle; the expired
		// prompt is moot.
		return
	}

	spoken, err := s.store.LastSpoken(ctx, claim.Conversation)
	if err != nil {
		s.log.WithError(err).Warn("watchdog: last spoken load failed",
			zap.Int64("conversation", claim.Conversation))
		return
	}

	// Re-run the policy with the expired claimant as the notional last
	// speaker, so the fresh prompt rotates away from it.
	next, ok := s.policy.Decide(scheduler.Input{
		Metadata: &conv.Metadata,
		Closing: &models.Event{
			Conversation: claim.Conversation,
			Seq:          claim.GuidanceSeq,
			Type:         models.EventMessage,
			Finality:     models.FinalityTurn,
			AgentID:      claim.AgentID,
		},
		LastSpoken: spoken,
	})
	if !ok {
		return
	}

	guidance := models.NewGuidance(claim.Conversation, claim.GuidanceSeq, next, s.cfg.IdleTurn())
	s.bus.PublishGuidance(guidance)
	s.log.Info("watchdog re-emitted guidance",
		zap.Int64("conversation", claim.Conversation),
		zap.Float64("guidance_seq", guidance.Seq),
		zap.String("next_agent", next))
}

// nudgeIdleConversations re-prompts conversations that have sat idle past
// the turn deadline with no open turn and no live claim. Guidance is
// transient, so a prompt published before its target subscribed is simply
// gone; the nudge replaces it.
func (s *Service) nudgeIdleConversations(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.IdleTurn())
	ids, err := s.store.ListIdleConversations(ctx, cutoff)
	if err != nil {
		s.log.WithError(err).Warn("watchdog: listing idle conversations failed")
		return
	}

	for _, id := range ids {
		unlock := s.lockPublish(id)
		s.nudgeConversation(ctx, id)
		unlock()
	}
}

func (s *Service) nudgeConversation(ctx context.Context, conversation int64) {
	head, err := s.store.Head(ctx, conversation)
	if err != nil {
		s.log.WithError(err).Warn("watchdog: head load failed",
			zap.Int64("conversation", conversation))
		return
	}
	if head.HasOpenTurn || head.LastClosedSeq == 0 {
		// An open turn means an agent holds the floor; claims cover the
		// prompted case, and an empty log has nothing to re-prompt.
		return
	}

	active, err := s.store.ListActiveClaims(ctx, conversation, time.Now().UTC())
	if err != nil || len(active) > 0 {
		// A live claim has its own expiry path.
		return
	}

	events, err := s.store.GetEvents(ctx, conversation, head.LastClosedSeq-1, 1)
	if err != nil || len(events) == 0 || events[0].Seq != head.LastClosedSeq {
		return
	}

	s.log.Info("watchdog nudging idle conversation",
		zap.Int64("conversation", conversation),
		zap.Int64("closing_seq", head.LastClosedSeq))
	s.emitGuidance(ctx, events[0])
}
