package runtime

import (
	"context"

	v1 "github.com/confab/confab/pkg/api/v1"
	"github.com/confab/confab/pkg/client"
)

// RemoteConn drives the orchestrator over a WebSocket client. External
// agent processes use this.
type RemoteConn struct {
	client *client.Client
}

// NewRemoteConn wraps a connected WebSocket client.
func NewRemoteConn(c *client.Client) *RemoteConn {
	return &RemoteConn{client: c}
}

func (c *RemoteConn) GetConversation(ctx context.Context, params v1.GetConversationParams) (*v1.Snapshot, error) {
	return c.client.GetConversation(ctx, params)
}

func (c *RemoteConn) SendMessage(ctx context.Context, params v1.SendMessageParams) (*v1.SendMessageResult, error) {
	return c.client.SendMessage(ctx, params)
}

func (c *RemoteConn) SendTrace(ctx context.Context, params v1.SendTraceParams) (*v1.SendMessageResult, error) {
	return c.client.SendTrace(ctx, params)
}

func (c *RemoteConn) ClaimTurn(ctx context.Context, params v1.ClaimTurnParams) (*v1.ClaimTurnResult, error) {
	return c.client.ClaimTurn(ctx, params)
}

// remoteStream adapts a client stream to the runtime Stream.
type remoteStream struct {
	stream *client.Stream
	items  chan Item
	stop   chan struct{}
}

func (s *remoteStream) Items() <-chan Item    { return s.items }
func (s *remoteStream) Done() <-chan struct{} { return s.stream.Done() }
func (s *remoteStream) Err() error            { return s.stream.Err() }

func (c *RemoteConn) Subscribe(ctx context.Context, params v1.SubscribeParams) (Stream, error) {
	stream, err := c.client.Subscribe(ctx, params)
	if err != nil {
		return nil, err
	}
	st := &remoteStream{
		stream: stream,
		items:  make(chan Item, cap(stream.Items())),
		stop:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case item := <-stream.Items():
				select {
				case st.items <- Item{Event: item.Event, Guidance: item.Guidance}:
				case <-st.stop:
					return
				case <-stream.Done():
					return
				}
			case <-stream.Done():
				return
			case <-st.stop:
				return
			}
		}
	}()
	return st, nil
}

func (c *RemoteConn) Unsubscribe(ctx context.Context, stream Stream) error {
	st, ok := stream.(*remoteStream)
	if !ok {
		return nil
	}
	close(st.stop)
	return c.client.Unsubscribe(ctx, st.stream)
}
