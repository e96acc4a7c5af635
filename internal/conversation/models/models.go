// Package models defines the stored conversation domain types: conversations,
// log events, attachments, claims, and scheduling guidance. Wire shapes live
// in pkg/api/v1; storage rows convert with ToAPI.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/confab/confab/pkg/api/v1"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
)

// Conversation is a stored conversation row.
type Conversation struct {
	ID          int64              `db:"id"`
	Title       string             `db:"title"`
	Description string             `db:"description"`
	ScenarioRef string             `db:"scenario_ref"`
	Metadata    v1.Metadata        `db:"-"`
	Status      ConversationStatus `db:"status"`
	CreatedAt   time.Time          `db:"created_at"`
	UpdatedAt   time.Time          `db:"updated_at"`
}

// ToAPI converts the conversation to its wire representation.
func (c *Conversation) ToAPI() *v1.Conversation {
	return &v1.Conversation{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		ScenarioRef: c.ScenarioRef,
		Metadata:    c.Metadata,
		Status:      string(c.Status),
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

// EventType classifies events in the log.
type EventType string

const (
	EventMessage EventType = "message"
	EventTrace   EventType = "trace"
	EventSystem  EventType = "system"
)

// Valid reports whether t is a recognized event type.
func (t EventType) Valid() bool {
	switch t {
	case EventMessage, EventTrace, EventSystem:
		return true
	}
	return false
}

// Finality marks what an event closes.
type Finality string

const (
	FinalityNone         Finality = "none"
	FinalityTurn         Finality = "turn"
	FinalityConversation Finality = "conversation"
)

// Valid reports whether f is a recognized finality value.
func (f Finality) Valid() bool {
	switch f {
	case FinalityNone, FinalityTurn, FinalityConversation:
		return true
	}
	return false
}

// Closes reports whether f closes the current turn.
func (f Finality) Closes() bool {
	return f == FinalityTurn || f == FinalityConversation
}

// Payload is a raw JSON document stored in a TEXT column. It scans from
// either string or []byte, which json.RawMessage cannot do under
// database/sql.
type Payload []byte

func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case string:
		*p = Payload(v)
	case []byte:
		*p = append((*p)[:0], v...)
	default:
		return fmt.Errorf("payload: cannot scan %T", src)
	}
	return nil
}

func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return string(p), nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = append((*p)[:0], data...)
	return nil
}

// Event is one row of the append-only conversation log. Seq is globally
// unique and strictly increasing across all conversations; (Conversation,
// Turn, Event) is the stable address within a conversation.
type Event struct {
	Seq          int64     `db:"seq"`
	Conversation int64     `db:"conversation"`
	Turn         int       `db:"turn"`
	Event        int       `db:"event"`
	Type         EventType `db:"type"`
	Finality     Finality  `db:"finality"`
	AgentID      string    `db:"agent_id"`
	TS           time.Time `db:"ts"`
	Payload      Payload   `db:"payload"`
}

// ToAPI converts the event to its wire representation.
func (e *Event) ToAPI() *v1.Event {
	return &v1.Event{
		Seq:          e.Seq,
		Conversation: e.Conversation,
		Turn:         e.Turn,
		Event:        e.Event,
		Type:         string(e.Type),
		Finality:     string(e.Finality),
		AgentID:      e.AgentID,
		TS:           e.TS,
		Payload:      json.RawMessage(e.Payload),
	}
}

// EventsToAPI converts a slice of stored events.
func EventsToAPI(events []*Event) []*v1.Event {
	out := make([]*v1.Event, len(events))
	for i, e := range events {
		out[i] = e.ToAPI()
	}
	return out
}

// StoredAttachment is an attachment row with its content.
type StoredAttachment struct {
	ID             string    `db:"id"`
	Conversation   int64     `db:"conversation"`
	Turn           int       `db:"turn"`
	Event          int       `db:"event"`
	Name           string    `db:"name"`
	ContentType    string    `db:"content_type"`
	Content        []byte    `db:"content"`
	Summary        string    `db:"summary"`
	DocRef         string    `db:"doc_ref"`
	CreatedByAgent string    `db:"created_by_agent"`
	CreatedAt      time.Time `db:"created_at"`
}

// Head is the derived open-turn state of a conversation.
type Head struct {
	LastTurn      int
	LastClosedSeq int64
	HasOpenTurn   bool
}

// Claim is a stored turn claim. At most one row exists per
// (Conversation, GuidanceSeq).
type Claim struct {
	Conversation int64     `db:"conversation"`
	GuidanceSeq  int64     `db:"guidance_seq"`
	AgentID      string    `db:"agent_id"`
	ClaimedAt    time.Time `db:"claimed_at"`
	ExpiresAt    time.Time `db:"expires_at"`
}

// GuidanceSeqOffset orders guidance after the closing event it follows
// without consuming an integer sequence number.
const GuidanceSeqOffset = 0.1

// NewGuidance builds guidance following the closing event with the given
// seq. Truncating the resulting fractional seq recovers the claim key.
func NewGuidance(conversation, closingSeq int64, nextAgentID string, deadline time.Duration) *v1.Guidance {
	return &v1.Guidance{
		Conversation: conversation,
		Seq:          float64(closingSeq) + GuidanceSeqOffset,
		NextAgentID:  nextAgentID,
		DeadlineMs:   deadline.Milliseconds(),
	}
}

// ClaimSeq returns the integer claim key encoded in a guidance seq.
func ClaimSeq(guidanceSeq float64) int64 {
	return int64(guidanceSeq)
}
