// Package scheduler decides which agent should speak after a turn closes.
//
// Policies are pure: they read a snapshot of conversation state and name the
// next agent. The orchestrator turns that into transient guidance; nothing
// here writes to the log.
package scheduler

import (
	"github.com/confab/confab/internal/conversation/models"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// Input is the state a policy decides from.
type Input struct {
	Metadata *v1.Metadata

	// Closing is the message that just closed a turn.
	Closing *models.Event

	// LastSpoken maps agent id to the seq of its most recent message, for
	// agents that have spoken.
	LastSpoken map[string]int64
}

// Policy picks the next speaker. Returning ok=false emits no guidance and
// leaves the conversation idle until a client acts.
type Policy interface {
	Decide(in Input) (nextAgentID string, ok bool)
}

// Alternation is the default policy: follow an explicit turn order when the
// metadata provides one, otherwise hand the floor to the participant who has
// waited longest since last speaking.
type Alternation struct{}

// NewAlternation returns the default policy.
func NewAlternation() *Alternation {
	return &Alternation{}
}

// Decide implements Policy.
func (p *Alternation) Decide(in Input) (string, bool) {
	if in.Metadata == nil || in.Closing == nil {
		return "", false
	}
	if in.Closing.Finality == models.FinalityConversation {
		return "", false
	}

	if next, ok := p.fromTurnOrder(in); ok {
		return next, true
	}

	var (
		best     string
		bestSeq  int64
		haveBest bool
	)
	for _, participant := range in.Metadata.Participants {
		id := participant.AgentID
		if id == "" || id == in.Closing.AgentID {
			continue
		}
		seq := in.LastSpoken[id] // zero when the agent has not spoken yet
		if !haveBest || seq < bestSeq {
			best, bestSeq, haveBest = id, seq, true
		}
	}
	return best, haveBest
}

// fromTurnOrder applies the scenario-driven explicit order: the agent after
// the closing speaker, cyclically. Entries not present in the participant
// list are skipped.
func (p *Alternation) fromTurnOrder(in Input) (string, bool) {
	order := in.Metadata.TurnOrder
	if len(order) == 0 {
		return "", false
	}
	start := -1
	for i, id := range order {
		if id == in.Closing.AgentID {
			start = i
			break
		}
	}
	for step := 1; step <= len(order); step++ {
		candidate := order[(start+step+len(order))%len(order)]
		if candidate == in.Closing.AgentID {
			continue
		}
		if in.Metadata.Participant(candidate) != nil {
			return candidate, true
		}
	}
	return "", false
}
