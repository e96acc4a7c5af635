package client

import (
	"context"

	v1 "github.com/confab/confab/pkg/api/v1"
)

// streamBuffer is the per-stream queue depth on the client side.
const streamBuffer = 256

// CreateConversation creates a conversation.
func (c *Client) CreateConversation(ctx context.Context, params v1.CreateConversationParams) (*v1.Conversation, error) {
	var result v1.CreateConversationResult
	if err := c.Call(ctx, v1.MethodCreateConversation, params, &result); err != nil {
		return nil, err
	}
	return result.Conversation, nil
}

// GetConversation fetches a snapshot of a conversation and its log.
func (c *Client) GetConversation(ctx context.Context, params v1.GetConversationParams) (*v1.Snapshot, error) {
	var snapshot v1.Snapshot
	if err := c.Call(ctx, v1.MethodGetConversation, params, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// ListConversations lists conversations newest first.
func (c *Client) ListConversations(ctx context.Context, params v1.ListConversationsParams) ([]*v1.Conversation, error) {
	var result v1.ListConversationsResult
	if err := c.Call(ctx, v1.MethodListConversations, params, &result); err != nil {
		return nil, err
	}
	return result.Conversations, nil
}

// SendMessage appends a message event.
func (c *Client) SendMessage(ctx context.Context, params v1.SendMessageParams) (*v1.SendMessageResult, error) {
	var result v1.SendMessageResult
	if err := c.Call(ctx, v1.MethodSendMessage, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SendTrace appends a trace event into the open turn.
func (c *Client) SendTrace(ctx context.Context, params v1.SendTraceParams) (*v1.SendMessageResult, error) {
	var result v1.SendMessageResult
	if err := c.Call(ctx, v1.MethodSendTrace, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetEvents pages through a conversation log.
func (c *Client) GetEvents(ctx context.Context, params v1.GetEventsParams) ([]*v1.Event, error) {
	var result v1.GetEventsResult
	if err := c.Call(ctx, v1.MethodGetEvents, params, &result); err != nil {
		return nil, err
	}
	return result.Events, nil
}

// ClaimTurn races for the turn offered by a guidance prompt.
func (c *Client) ClaimTurn(ctx context.Context, params v1.ClaimTurnParams) (*v1.ClaimTurnResult, error) {
	var result v1.ClaimTurnResult
	if err := c.Call(ctx, v1.MethodClaimTurn, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// EnsureAgentsRunning asks the server to start the conversation's
// internal agents.
func (c *Client) EnsureAgentsRunning(ctx context.Context, params v1.EnsureAgentsRunningParams) ([]string, error) {
	var result v1.EnsureAgentsRunningResult
	if err := c.Call(ctx, v1.MethodEnsureAgentsRunning, params, &result); err != nil {
		return nil, err
	}
	return result.Agents, nil
}

// RunToCompletion drives a conversation until a message closes it.
func (c *Client) RunToCompletion(ctx context.Context, params v1.RunToCompletionParams) (*v1.RunToCompletionResult, error) {
	var result v1.RunToCompletionResult
	if err := c.Call(ctx, v1.MethodRunToCompletion, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Subscribe opens a live stream over this connection. Backlog events
// from sinceSeq onward arrive first, then live items.
func (c *Client) Subscribe(ctx context.Context, params v1.SubscribeParams) (*Stream, error) {
	var result v1.SubscribeResult
	if err := c.Call(ctx, v1.MethodSubscribe, params, &result); err != nil {
		return nil, err
	}

	st := newStream(result.SubscriptionID, streamBuffer)

	// Drain anything that raced ahead of the subscribe ack before wiring
	// the stream up for live delivery, so order is preserved.
	for {
		c.mu.Lock()
		held := c.stray[result.SubscriptionID]
		if len(held) == 0 {
			delete(c.stray, result.SubscriptionID)
			c.streams[result.SubscriptionID] = st
			c.mu.Unlock()
			break
		}
		c.stray[result.SubscriptionID] = nil
		c.mu.Unlock()
		for _, item := range held {
			st.push(item)
		}
	}
	return st, nil
}

// Unsubscribe tears a stream down.
func (c *Client) Unsubscribe(ctx context.Context, st *Stream) error {
	c.mu.Lock()
	delete(c.streams, st.ID)
	c.mu.Unlock()
	st.finish(nil)
	return c.Call(ctx, v1.MethodUnsubscribe, v1.UnsubscribeParams{SubscriptionID: st.ID}, nil)
}
