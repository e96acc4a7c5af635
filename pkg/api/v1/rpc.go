package v1

// JSON-RPC method names exposed by the orchestrator gateway.
const (
	MethodCreateConversation  = "createConversation"
	MethodGetConversation     = "getConversation"
	MethodListConversations   = "listConversations"
	MethodUpdateMeta          = "updateMeta"
	MethodSendMessage         = "sendMessage"
	MethodSendTrace           = "sendTrace"
	MethodSubscribe           = "subscribe"
	MethodUnsubscribe         = "unsubscribe"
	MethodGetEvents           = "getEventsPage"
	MethodClaimTurn           = "claimTurn"
	MethodEnsureAgentsRunning = "ensureAgentsRunning"
	MethodRunToCompletion     = "runConversationToCompletion"
)

// Server-to-client notification methods.
const (
	NotificationWelcome  = "welcome"
	NotificationEvent    = "event"
	NotificationGuidance = "guidance"
	NotificationOverrun  = "overrun"
	NotificationPing     = "ping"
)

// Stable error codes carried in JSON-RPC error data and REST bodies.
const (
	CodeConversationNotFound = "CONVERSATION_NOT_FOUND"
	CodeConversationClosed   = "CONVERSATION_CLOSED"
	CodeTurnClosed           = "TURN_CLOSED"
	CodeNoOpenTurn           = "NO_OPEN_TURN"
	CodeInvalidFinality      = "INVALID_FINALITY_FOR_TYPE"
	CodeIdempotentReplay     = "IDEMPOTENT_REPLAY"
	CodeClaimContended       = "CLAIM_CONTENDED"
	CodeSubscriberOverrun    = "SUBSCRIBER_OVERRUN"
	CodeTransportDisconnect  = "TRANSPORT_DISCONNECT"
	CodeNotFound             = "NOT_FOUND"
	CodeValidation           = "VALIDATION_ERROR"
	CodeInternal             = "INTERNAL_ERROR"
)

// ErrorData is the structured payload attached to JSON-RPC errors.
type ErrorData struct {
	Code string `json:"code"`
}

// CreateConversationParams creates a conversation.
type CreateConversationParams struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	ScenarioRef string   `json:"scenarioRef,omitempty"`
	Metadata    Metadata `json:"metadata"`
}

// CreateConversationResult returns the new conversation.
type CreateConversationResult struct {
	Conversation *Conversation `json:"conversation"`
}

// GetConversationParams fetches a snapshot.
type GetConversationParams struct {
	Conversation    int64 `json:"conversation"`
	SinceSeq        int64 `json:"sinceSeq,omitempty"`
	Limit           int   `json:"limit,omitempty"`
	IncludeScenario bool  `json:"includeScenario,omitempty"`
}

// ListConversationsParams lists conversations, newest first.
type ListConversationsParams struct {
	Query  string `json:"query,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// ListConversationsResult is a page of conversations.
type ListConversationsResult struct {
	Conversations []*Conversation `json:"conversations"`
}

// UpdateMetaParams patches a conversation's metadata. Only the fields set
// in Metadata change; Custom keys merge over the stored document.
type UpdateMetaParams struct {
	Conversation int64    `json:"conversation"`
	Metadata     Metadata `json:"metadata"`
}

// UpdateMetaResult returns the conversation with its merged metadata.
type UpdateMetaResult struct {
	Conversation *Conversation `json:"conversation"`
}

// SendMessageParams appends a message event.
type SendMessageParams struct {
	Conversation    int64        `json:"conversation"`
	AgentID         string       `json:"agentId"`
	Finality        string       `json:"finality"`
	Text            string       `json:"text,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	Outcome         *Outcome     `json:"outcome,omitempty"`
	ClientRequestID string       `json:"clientRequestId,omitempty"`

	// Turn pins the append to a specific turn. Zero means the current
	// open turn (or a fresh one). A pin on an already closed turn is
	// rejected with TURN_CLOSED.
	Turn int `json:"turn,omitempty"`
}

// SendMessageResult is the coordinates of the appended message. Replayed
// is set when an idempotency key matched and the original coordinates
// were returned instead of appending again.
type SendMessageResult struct {
	Seq      int64 `json:"seq"`
	Turn     int   `json:"turn"`
	Event    int   `json:"event"`
	Replayed bool  `json:"replayed,omitempty"`
}

// SendTraceParams appends a trace event into the open turn.
type SendTraceParams struct {
	Conversation    int64          `json:"conversation"`
	AgentID         string         `json:"agentId"`
	Kind            string         `json:"kind,omitempty"`
	Text            string         `json:"text,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	ClientRequestID string         `json:"clientRequestId,omitempty"`

	// Turn pins the trace to a specific turn; zero targets the open turn.
	Turn int `json:"turn,omitempty"`
}

// SubscribeParams opens a live event stream over the current connection.
type SubscribeParams struct {
	Conversation    int64    `json:"conversation"`
	SinceSeq        int64    `json:"sinceSeq,omitempty"`
	Types           []string `json:"types,omitempty"`
	Agents          []string `json:"agents,omitempty"`
	IncludeGuidance bool     `json:"includeGuidance,omitempty"`
}

// SubscribeResult acknowledges a subscription.
type SubscribeResult struct {
	SubscriptionID string `json:"subscriptionId"`
}

// UnsubscribeParams tears down a subscription on the current connection.
type UnsubscribeParams struct {
	SubscriptionID string `json:"subscriptionId"`
}

// GetEventsParams pages through a conversation log.
type GetEventsParams struct {
	Conversation int64 `json:"conversation"`
	SinceSeq     int64 `json:"sinceSeq,omitempty"`
	Limit        int   `json:"limit,omitempty"`
}

// GetEventsResult is a page of events in seq order.
type GetEventsResult struct {
	Events []*Event `json:"events"`
}

// ClaimTurnParams claims the turn offered by a guidance prompt.
type ClaimTurnParams struct {
	Conversation int64   `json:"conversation"`
	AgentID      string  `json:"agentId"`
	GuidanceSeq  float64 `json:"guidanceSeq"`
}

// ClaimTurnResult reports whether the claim was won. On contention OK is
// false, Reason is CLAIM_CONTENDED, and Holder names the winning agent.
type ClaimTurnResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Holder string `json:"holder,omitempty"`
}

// EnsureAgentsRunningParams starts internal agents for a conversation.
type EnsureAgentsRunningParams struct {
	Conversation int64 `json:"conversation"`
}

// EnsureAgentsRunningResult lists the internal agents now running.
type EnsureAgentsRunningResult struct {
	Agents []string `json:"agents"`
}

// RunToCompletionParams drives a conversation until a message closes it.
type RunToCompletionParams struct {
	Conversation int64  `json:"conversation"`
	AgentID      string `json:"agentId,omitempty"`
	Text         string `json:"text,omitempty"`
	TimeoutMs    int64  `json:"timeoutMs,omitempty"`
}

// RunToCompletionResult reports the closing event.
type RunToCompletionResult struct {
	LastSeq int64    `json:"lastSeq"`
	Outcome *Outcome `json:"outcome,omitempty"`
}

// WelcomeNotification is sent once per connection.
type WelcomeNotification struct {
	OK           bool   `json:"ok"`
	ConnectionID string `json:"connectionId"`
	ServerTime   int64  `json:"serverTime"`
}

// EventNotification delivers one log event to a subscription.
type EventNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	Event          *Event `json:"event"`
}

// GuidanceNotification delivers a scheduling prompt to a subscription.
type GuidanceNotification struct {
	SubscriptionID string    `json:"subscriptionId"`
	Guidance       *Guidance `json:"guidance"`
}

// OverrunNotification tells a subscriber its queue overflowed and the
// subscription was dropped. The client may resubscribe with sinceSeq.
type OverrunNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	Code           string `json:"code"`
	LastSeq        int64  `json:"lastSeq"`
}
