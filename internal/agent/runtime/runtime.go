package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/confab/confab/internal/common/errors"
	"github.com/confab/confab/internal/common/logger"
	"github.com/confab/confab/internal/tracing"
	v1 "github.com/confab/confab/pkg/api/v1"
	"github.com/confab/confab/pkg/jsonrpc"
)

// Agent is a participant implementation. HandleTurn is invoked once per
// won turn and must close the turn (or the conversation) with a message
// carrying finality before returning.
type Agent interface {
	HandleTurn(ctx context.Context, turn *TurnContext) error
}

// TurnContext is what an agent gets to work with during one turn.
type TurnContext struct {
	Conversation int64
	AgentID      string
	// Guidance is the prompt that offered this turn; nil for the
	// conversation-opening turn.
	Guidance *v1.Guidance
	// Deadline is when the claim on this turn expires and the watchdog
	// may hand the floor to another agent. Zero for the opening turn.
	Deadline time.Time

	conn Conn
}

// Now returns the current time, letting agents budget their remaining
// turn time against Deadline.
func (t *TurnContext) Now() time.Time {
	return time.Now().UTC()
}

// Remaining reports how much turn time is left, or zero when there is no
// deadline.
func (t *TurnContext) Remaining() time.Duration {
	if t.Deadline.IsZero() {
		return 0
	}
	return t.Deadline.Sub(t.Now())
}

// Snapshot fetches the conversation and its full log.
func (t *TurnContext) Snapshot(ctx context.Context) (*v1.Snapshot, error) {
	return t.conn.GetConversation(ctx, v1.GetConversationParams{Conversation: t.Conversation})
}

// PostMessage appends a message for this agent. A fresh idempotency key
// is attached so a transport retry cannot double-append.
func (t *TurnContext) PostMessage(ctx context.Context, text, finality string, outcome *v1.Outcome) (*v1.SendMessageResult, error) {
	return t.conn.SendMessage(ctx, v1.SendMessageParams{
		Conversation:    t.Conversation,
		AgentID:         t.AgentID,
		Finality:        finality,
		Text:            text,
		Outcome:         outcome,
		ClientRequestID: uuid.New().String(),
	})
}

// PostTrace appends a trace into the open turn.
func (t *TurnContext) PostTrace(ctx context.Context, kind, text string) (*v1.SendMessageResult, error) {
	return t.conn.SendTrace(ctx, v1.SendTraceParams{
		Conversation:    t.Conversation,
		AgentID:         t.AgentID,
		Kind:            kind,
		Text:            text,
		ClientRequestID: uuid.New().String(),
	})
}

// Runner follows one conversation for one agent.
type Runner struct {
	conn         Conn
	agent        Agent
	agentID      string
	conversation int64
	log          *logger.Logger
}

// NewRunner builds a runner for one agent in one conversation.
func NewRunner(conn Conn, agent Agent, agentID string, conversation int64, log *logger.Logger) *Runner {
	return &Runner{
		conn:         conn,
		agent:        agent,
		agentID:      agentID,
		conversation: conversation,
		log: log.WithFields(zap.String("component", "agent-runtime")).
			WithAgentID(agentID).
			WithConversation(conversation),
	}
}

// Run drives the loop until the conversation closes or ctx is done.
// Streams that end (overrun, transport loss) are reopened with sinceSeq
// set to the last seq handled; duplicates are skipped by seq.
func (r *Runner) Run(ctx context.Context) error {
	if done, err := r.maybeOpenConversation(ctx); err != nil || done {
		return err
	}

	var lastSeq int64
	for {
		stream, err := r.conn.Subscribe(ctx, v1.SubscribeParams{
			Conversation:    r.conversation,
			SinceSeq:        lastSeq,
			IncludeGuidance: true,
		})
		if err != nil {
			return err
		}

		finished, seq, err := r.follow(ctx, stream, lastSeq)
		lastSeq = seq
		_ = r.conn.Unsubscribe(context.WithoutCancel(ctx), stream)
		if finished || err != nil {
			return err
		}
		// Stream ended without the conversation closing; back off a
		// little and resume from lastSeq.
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// maybeOpenConversation takes the opening turn when this agent is the
// designated starter of an empty conversation.
func (r *Runner) maybeOpenConversation(ctx context.Context) (bool, error) {
	snapshot, err := r.conn.GetConversation(ctx, v1.GetConversationParams{
		Conversation: r.conversation, Limit: 1,
	})
	if err != nil {
		return false, err
	}
	if snapshot.Conversation.Status != "active" {
		return true, nil
	}
	if snapshot.LastTurn > 0 || snapshot.Conversation.Metadata.StartingAgentID != r.agentID {
		return false, nil
	}
	return false, r.takeTurn(ctx, nil)
}

func (r *Runner) follow(ctx context.Context, stream Stream, lastSeq int64) (bool, int64, error) {
	for {
		select {
		case item := <-stream.Items():
			if item.Event != nil {
				if item.Event.Seq <= lastSeq {
					continue
				}
				lastSeq = item.Event.Seq
				if item.Event.Finality == "conversation" {
					return true, lastSeq, nil
				}
				continue
			}
			if item.Guidance == nil || item.Guidance.NextAgentID != r.agentID {
				continue
			}
			if err := r.pursueGuidance(ctx, item.Guidance); err != nil {
				return false, lastSeq, err
			}

		case <-stream.Done():
			return false, lastSeq, nil

		case <-ctx.Done():
			return false, lastSeq, ctx.Err()
		}
	}
}

// pursueGuidance races for the offered turn and runs the agent on a win.
func (r *Runner) pursueGuidance(ctx context.Context, guidance *v1.Guidance) error {
	claim, err := r.conn.ClaimTurn(ctx, v1.ClaimTurnParams{
		Conversation: r.conversation,
		AgentID:      r.agentID,
		GuidanceSeq:  guidance.Seq,
	})
	if err != nil {
		// The conversation may have closed under the prompt.
		if errorCode(err) == apperrors.CodeConversationClosed {
			return nil
		}
		return err
	}
	if !claim.OK {
		r.log.Debug("lost turn claim", zap.String("holder", claim.Holder))
		return nil
	}
	return r.takeTurn(ctx, guidance)
}

func (r *Runner) takeTurn(ctx context.Context, guidance *v1.Guidance) error {
	ctx, span := tracing.TraceAgentTurn(ctx, r.conversation, r.agentID)
	defer span.End()

	turn := &TurnContext{
		Conversation: r.conversation,
		AgentID:      r.agentID,
		Guidance:     guidance,
		conn:         r.conn,
	}
	if guidance != nil && guidance.DeadlineMs > 0 {
		turn.Deadline = time.Now().UTC().Add(time.Duration(guidance.DeadlineMs) * time.Millisecond)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, turn.Deadline)
		defer cancel()
	}
	if err := r.agent.HandleTurn(ctx, turn); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		tracing.RecordResult(span, err)
		r.log.Error("agent turn failed", zap.Error(err))
		// Close the turn so the conversation is not wedged on this
		// agent's claim. The recovery post must go out even when the
		// failure was the turn deadline expiring.
		_, postErr := turn.PostMessage(context.WithoutCancel(ctx), "", "turn", &v1.Outcome{
			Status: "error",
			Reason: err.Error(),
		})
		return postErr
	}
	return nil
}

// errorCode extracts the stable error code regardless of transport:
// in-process errors carry it on AppError, remote ones in the JSON-RPC
// error data.
func errorCode(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		var data v1.ErrorData
		_ = json.Unmarshal(rpcErr.Data, &data)
		return data.Code
	}
	return ""
}
