// Package v1 defines the wire types shared by the orchestrator, its clients,
// and the agent runtime.
package v1

import (
	"encoding/json"
	"time"
)

// ParticipantKind distinguishes agents hosted in the orchestrator process
// from agents connecting over the network.
type ParticipantKind string

const (
	ParticipantInternal ParticipantKind = "internal"
	ParticipantExternal ParticipantKind = "external"
)

// Participant describes one agent taking part in a conversation.
type Participant struct {
	AgentID    string          `json:"agentId"`
	Kind       ParticipantKind `json:"kind"`
	AgentClass string          `json:"agentClass,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
}

// Metadata is the conversation metadata document. The orchestrator reads
// Participants and the scheduling hints; Custom is carried untouched.
type Metadata struct {
	Participants    []Participant  `json:"participants"`
	StartingAgentID string         `json:"startingAgentId,omitempty"`
	TurnOrder       []string       `json:"turnOrder,omitempty"`
	Custom          map[string]any `json:"custom,omitempty"`
}

// Participant returns the participant with the given agent id, or nil.
func (m *Metadata) Participant(agentID string) *Participant {
	for i := range m.Participants {
		if m.Participants[i].AgentID == agentID {
			return &m.Participants[i]
		}
	}
	return nil
}

// Event is one event of a conversation log as it appears on the wire.
type Event struct {
	Seq          int64           `json:"seq"`
	Conversation int64           `json:"conversation"`
	Turn         int             `json:"turn"`
	Event        int             `json:"event"`
	Type         string          `json:"type"`
	Finality     string          `json:"finality"`
	AgentID      string          `json:"agentId"`
	TS           time.Time       `json:"ts"`
	Payload      json.RawMessage `json:"payload"`
}

// Guidance is a transient scheduling prompt. Seq is fractional: the closing
// event's seq plus a small offset, so guidance sorts directly after the event
// that produced it. Truncating Seq yields the claim key for claimTurn.
type Guidance struct {
	Conversation int64   `json:"conversation"`
	Seq          float64 `json:"seq"`
	NextAgentID  string  `json:"nextAgentId"`
	DeadlineMs   int64   `json:"deadlineMs"`
}

// MessagePayload is the payload of a message event. Attachments may carry
// raw content inbound; stored payloads hold references only.
type MessagePayload struct {
	Text            string       `json:"text,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	Outcome         *Outcome     `json:"outcome,omitempty"`
	ClientRequestID string       `json:"clientRequestId,omitempty"`
}

// Attachment is an attachment carried by a message. Content is set only on
// inbound payloads; persisted entries hold ID/DocRef references instead.
type Attachment struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Content     []byte `json:"content,omitempty"`
	Summary     string `json:"summary,omitempty"`
	DocRef      string `json:"docRef,omitempty"`
}

// Outcome is the structured result a closing message may carry.
type Outcome struct {
	Status string `json:"status,omitempty"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// TracePayload is the payload of a trace event: agent thoughts, tool calls,
// and other progress breadcrumbs inside an open turn.
type TracePayload struct {
	Kind            string         `json:"kind,omitempty"`
	Text            string         `json:"text,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	ClientRequestID string         `json:"clientRequestId,omitempty"`
}

// System event kinds.
const (
	SystemMetaCreated  = "meta_created"
	SystemMetaUpdated  = "meta_updated"
	SystemTurnClaimed  = "turn_claimed"
	SystemClaimExpired = "claim_expired"
)

// SystemPayload is the payload of a system event.
type SystemPayload struct {
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// AppendResult is the coordinates assigned to an appended event.
type AppendResult struct {
	Seq   int64 `json:"seq"`
	Turn  int   `json:"turn"`
	Event int   `json:"event"`
}

// Conversation is a conversation as it appears on the wire.
type Conversation struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	ScenarioRef string    `json:"scenarioRef,omitempty"`
	Metadata    Metadata  `json:"metadata"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Snapshot is a consistent view of a conversation and a page of its log.
type Snapshot struct {
	Conversation  *Conversation `json:"conversation"`
	Events        []*Event      `json:"events"`
	LastTurn      int           `json:"lastTurn"`
	LastClosedSeq int64         `json:"lastClosedSeq"`
	HasOpenTurn   bool          `json:"hasOpenTurn"`
	Scenario      *Scenario     `json:"scenario,omitempty"`
}

// Scenario is a stored scenario document referenced by conversations.
type Scenario struct {
	Ref       string          `json:"ref"`
	Title     string          `json:"title,omitempty"`
	Document  json.RawMessage `json:"document,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
