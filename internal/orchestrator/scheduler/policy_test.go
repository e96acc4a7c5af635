package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/confab/confab/internal/conversation/models"
	v1 "github.com/confab/confab/pkg/api/v1"
)

func metaWith(agents ...string) *v1.Metadata {
	m := &v1.Metadata{}
	for _, id := range agents {
		m.Participants = append(m.Participants, v1.Participant{AgentID: id, Kind: v1.ParticipantExternal})
	}
	return m
}

func closingBy(agent string) *models.Event {
	return &models.Event{
		Type:     models.EventMessage,
		Finality: models.FinalityTurn,
		AgentID:  agent,
	}
}

func TestAlternation_TwoParticipants(t *testing.T) {
	p := NewAlternation()
	next, ok := p.Decide(Input{
		Metadata: metaWith("alice", "bob"),
		Closing:  closingBy("alice"),
	})
	assert.True(t, ok)
	assert.Equal(t, "bob", next)

	next, ok = p.Decide(Input{
		Metadata: metaWith("alice", "bob"),
		Closing:  closingBy("bob"),
	})
	assert.True(t, ok)
	assert.Equal(t, "alice", next)
}

func TestAlternation_LeastRecentlySpoken(t *testing.T) {
	p := NewAlternation()
	in := Input{
		Metadata: metaWith("alice", "bob", "carol"),
		Closing:  closingBy("alice"),
		LastSpoken: map[string]int64{
			"alice": 10,
			"bob":   8,
		},
	}
	// Carol has never spoken, so she goes first.
	next, ok := p.Decide(in)
	assert.True(t, ok)
	assert.Equal(t, "carol", next)

	in.LastSpoken["carol"] = 12
	next, ok = p.Decide(in)
	assert.True(t, ok)
	assert.Equal(t, "bob", next)
}

func TestAlternation_TurnOrder(t *testing.T) {
	p := NewAlternation()
	meta := metaWith("alice", "bob", "carol")
	meta.TurnOrder = []string{"carol", "alice", "bob"}

	next, ok := p.Decide(Input{Metadata: meta, Closing: closingBy("alice")})
	assert.True(t, ok)
	assert.Equal(t, "bob", next)

	// Order wraps around.
	next, ok = p.Decide(Input{Metadata: meta, Closing: closingBy("bob")})
	assert.True(t, ok)
	assert.Equal(t, "carol", next)

	// Entries missing from the participant list are skipped.
	meta.TurnOrder = []string{"alice", "ghost", "bob"}
	next, ok = p.Decide(Input{Metadata: meta, Closing: closingBy("alice")})
	assert.True(t, ok)
	assert.Equal(t, "bob", next)
}

func TestAlternation_NoGuidance(t *testing.T) {
	p := NewAlternation()

	// Conversation finality ends scheduling.
	closing := closingBy("alice")
	closing.Finality = models.FinalityConversation
	_, ok := p.Decide(Input{Metadata: metaWith("alice", "bob"), Closing: closing})
	assert.False(t, ok)

	// A lone participant has no counterpart to prompt.
	_, ok = p.Decide(Input{Metadata: metaWith("alice"), Closing: closingBy("alice")})
	assert.False(t, ok)

	_, ok = p.Decide(Input{})
	assert.False(t, ok)
}
