package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/confab/confab/internal/agent/registry"
	"github.com/confab/confab/internal/agent/runtime"
	"github.com/confab/confab/internal/llm"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// ClassLLM is the registry name of the model-backed agent.
const ClassLLM = "llm"

// doneMarker lets the model end the conversation from inside its reply.
const doneMarker = "[DONE]"

// replyMargin is the turn time reserved for posting the reply after the
// model call returns.
const replyMargin = 500 * time.Millisecond

// llmConfig is the participant config blob for a model-backed agent.
type llmConfig struct {
	SystemPrompt string `json:"systemPrompt"`
	// MaxTurns closes the conversation after this many own turns even
	// if the model never emits the done marker.
	MaxTurns int `json:"maxTurns"`
}

// LLMAgent turns the conversation log into a chat transcript, asks the
// model for the next reply, and posts it as this agent's turn.
type LLMAgent struct {
	completer *llm.Completer
	cfg       llmConfig
}

// NewLLMAgent builds a model-backed agent from a participant config blob.
func NewLLMAgent(completer *llm.Completer, raw json.RawMessage) (*LLMAgent, error) {
	if completer == nil {
		return nil, fmt.Errorf("llm agent requires a configured completer")
	}
	var cfg llmConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("llm agent config: %w", err)
		}
	}
	return &LLMAgent{completer: completer, cfg: cfg}, nil
}

// LLMFactory registers under ClassLLM.
func LLMFactory(completer *llm.Completer) registry.Factory {
	return func(participant v1.Participant) (runtime.Agent, error) {
		return NewLLMAgent(completer, participant.Config)
	}
}

func (a *LLMAgent) HandleTurn(ctx context.Context, turn *runtime.TurnContext) error {
	snapshot, err := turn.Snapshot(ctx)
	if err != nil {
		return err
	}

	messages, spoken := a.transcript(snapshot, turn.AgentID)

	// Budget the model call against the turn deadline, keeping enough
	// slack to post the reply before the claim expires.
	callCtx := ctx
	if remaining := turn.Remaining(); remaining > 2*replyMargin {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, remaining-replyMargin)
		defer cancel()
	}
	reply, err := a.completer.Complete(callCtx, messages)
	if err != nil {
		return err
	}

	finality := "turn"
	var outcome *v1.Outcome
	if strings.Contains(reply, doneMarker) {
		reply = strings.TrimSpace(strings.ReplaceAll(reply, doneMarker, ""))
		finality = "conversation"
		outcome = &v1.Outcome{Status: "done"}
	} else if a.cfg.MaxTurns > 0 && spoken+1 >= a.cfg.MaxTurns {
		finality = "conversation"
		outcome = &v1.Outcome{Status: "done", Reason: "turn budget reached"}
	}

	_, err = turn.PostMessage(ctx, reply, finality, outcome)
	return err
}

// transcript converts the event log into chat messages from this
// agent's point of view and counts its own spoken turns.
func (a *LLMAgent) transcript(snapshot *v1.Snapshot, agentID string) ([]llm.Message, int) {
	messages := make([]llm.Message, 0, len(snapshot.Events)+1)

	system := a.cfg.SystemPrompt
	if system == "" {
		system = fmt.Sprintf("You are %q, one participant in a multi-agent conversation. "+
			"Reply with your next message only. Include %s when the conversation should end.",
			agentID, doneMarker)
	}
	messages = append(messages, llm.Message{Role: "system", Content: system})

	spoken := 0
	for _, ev := range snapshot.Events {
		if ev.Type != "message" {
			continue
		}
		var body v1.MessagePayload
		if err := json.Unmarshal(ev.Payload, &body); err != nil || body.Text == "" {
			continue
		}
		role := "user"
		if ev.AgentID == agentID {
			role = "assistant"
			spoken++
		}
		messages = append(messages, llm.Message{
			Role:    role,
			Content: fmt.Sprintf("%s: %s", ev.AgentID, body.Text),
		})
	}
	return messages, spoken
}
