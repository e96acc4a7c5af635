package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/confab/confab/internal/common/errors"
	"github.com/confab/confab/internal/conversation/models"
	"github.com/confab/confab/internal/tracing"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// ClaimTurn resolves a race for the turn a guidance prompt offered. Exactly
// one agent wins per guidance seq; the same agent re-claiming its own key is
// treated as a win so retries after a dropped response are safe. Losing is
// not an error: the result carries ok=false and the holder.
func (s *Service) ClaimTurn(ctx context.Context, params v1.ClaimTurnParams) (*v1.ClaimTurnResult, error) {
	if params.AgentID == "" {
		return nil, apperrors.Validation("agentId is required")
	}
	ctx, span := tracing.TraceClaim(ctx, params.Conversation, params.AgentID)
	defer span.End()

	conv, err := s.store.GetConversation(ctx, params.Conversation)
	if err != nil {
		return nil, err
	}
	if conv.Status == models.ConversationCompleted {
		return nil, apperrors.ConversationClosed(params.Conversation)
	}

	key := models.ClaimSeq(params.GuidanceSeq)
	expiresAt := time.Now().UTC().Add(s.cfg.IdleTurn())
	won, err := s.store.InsertClaim(ctx, params.Conversation, key, params.AgentID, expiresAt)
	if err != nil {
		return nil, err
	}

	if !won {
		claim, err := s.store.GetClaim(ctx, params.Conversation, key)
		if err != nil {
			return nil, err
		}
		if claim == nil {
			// Lost the insert but the winner is already gone (turn closed
			// or watchdog reaped it). Treat as contended; the caller will
			// see fresh guidance if the floor is still open.
			return &v1.ClaimTurnResult{OK: false, Reason: v1.CodeClaimContended}, nil
		}
		if claim.AgentID != params.AgentID {
			s.log.Debug("claim contended",
				zap.Int64("conversation", params.Conversation),
				zap.Int64("guidance_seq", key),
				zap.String("holder", claim.AgentID),
				zap.String("loser", params.AgentID))
			return &v1.ClaimTurnResult{OK: false, Reason: v1.CodeClaimContended, Holder: claim.AgentID}, nil
		}
		// Idempotent re-claim by the holder.
	}

	if won {
		out, err := s.appendSystem(ctx, params.Conversation, v1.SystemTurnClaimed, map[string]any{
			"agentId":     params.AgentID,
			"guidanceSeq": key,
		})
		if err != nil {
			s.log.WithError(err).Warn("turn_claimed emit failed",
				zap.Int64("conversation", params.Conversation))
		} else if out.Dropped {
			// Usual case: the claimed turn has not been opened yet, and
			// system events never open one.
			s.log.Debug("turn_claimed dropped: no open turn",
				zap.Int64("conversation", params.Conversation))
		}
	}

	return &v1.ClaimTurnResult{OK: true}, nil
}
