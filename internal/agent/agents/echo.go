// Package agents ships the built-in agent implementations: a
// deterministic echo agent for tests and demos, and an LLM-backed agent
// for real conversations.
package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confab/confab/internal/agent/registry"
	"github.com/confab/confab/internal/agent/runtime"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// ClassEcho is the registry name of the echo agent.
const ClassEcho = "echo"

// echoConfig is the participant config blob for an echo agent.
type echoConfig struct {
	// MaxTurns closes the conversation once this agent has spoken that
	// many turns. Zero means never close from this side.
	MaxTurns int    `json:"maxTurns"`
	Prefix   string `json:"prefix"`
}

// EchoAgent repeats the last thing another participant said. It is
// deterministic, which makes conversation flows testable end to end.
type EchoAgent struct {
	cfg echoConfig
}

// NewEchoAgent builds an echo agent from a participant config blob.
func NewEchoAgent(raw json.RawMessage) (*EchoAgent, error) {
	cfg := echoConfig{Prefix: "echo: "}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("echo agent config: %w", err)
		}
	}
	return &EchoAgent{cfg: cfg}, nil
}

// EchoFactory registers under ClassEcho.
func EchoFactory() registry.Factory {
	return func(participant v1.Participant) (runtime.Agent, error) {
		return NewEchoAgent(participant.Config)
	}
}

// HandleTurn echoes the most recent message from another participant
// and closes its turn, or the whole conversation once MaxTurns of its
// own are on the log.
func (a *EchoAgent) HandleTurn(ctx context.Context, turn *runtime.TurnContext) error {
	snapshot, err := turn.Snapshot(ctx)
	if err != nil {
		return err
	}

	var lastHeard string
	spoken := 0
	for _, ev := range snapshot.Events {
		if ev.Type != "message" {
			continue
		}
		var body v1.MessagePayload
		if err := json.Unmarshal(ev.Payload, &body); err != nil {
			continue
		}
		if ev.AgentID == turn.AgentID {
			spoken++
		} else if body.Text != "" {
			lastHeard = body.Text
		}
	}

	text := a.cfg.Prefix + lastHeard
	if lastHeard == "" {
		text = "hello"
	}

	if a.cfg.MaxTurns > 0 && spoken+1 >= a.cfg.MaxTurns {
		_, err = turn.PostMessage(ctx, text, "conversation", &v1.Outcome{Status: "done"})
		return err
	}
	_, err = turn.PostMessage(ctx, text, "turn", nil)
	return err
}
