// Package runtime runs agents against conversations: it follows the
// event stream, claims offered turns, and hands them to the agent
// implementation. The same loop serves in-process agents and agents
// connected over the WebSocket API.
package runtime

import (
	"context"

	v1 "github.com/confab/confab/pkg/api/v1"
)

// Item is one stream delivery: an event or a guidance prompt.
type Item struct {
	Event    *v1.Event
	Guidance *v1.Guidance
}

// Stream is a live view of one conversation.
type Stream interface {
	Items() <-chan Item
	Done() <-chan struct{}
	Err() error
}

// Conn is the orchestrator surface the runtime drives. Implemented
// in-process over the orchestrator service and remotely over the
// WebSocket client.
type Conn interface {
	GetConversation(ctx context.Context, params v1.GetConversationParams) (*v1.Snapshot, error)
	SendMessage(ctx context.Context, params v1.SendMessageParams) (*v1.SendMessageResult, error)
	SendTrace(ctx context.Context, params v1.SendTraceParams) (*v1.SendMessageResult, error)
	ClaimTurn(ctx context.Context, params v1.ClaimTurnParams) (*v1.ClaimTurnResult, error)
	Subscribe(ctx context.Context, params v1.SubscribeParams) (Stream, error)
	Unsubscribe(ctx context.Context, stream Stream) error
}
