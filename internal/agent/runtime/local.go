package runtime

import (
	"context"
	"sync"

	"github.com/confab/confab/internal/events/bus"
	"github.com/confab/confab/internal/orchestrator"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// LocalConn drives the orchestrator service directly. Internal agents
// run over this; no transport is involved.
type LocalConn struct {
	service *orchestrator.Service
}

// NewLocalConn wraps the orchestrator service as a runtime connection.
func NewLocalConn(service *orchestrator.Service) *LocalConn {
	return &LocalConn{service: service}
}

func (c *LocalConn) GetConversation(ctx context.Context, params v1.GetConversationParams) (*v1.Snapshot, error) {
	return c.service.Snapshot(ctx, params)
}

func (c *LocalConn) SendMessage(ctx context.Context, params v1.SendMessageParams) (*v1.SendMessageResult, error) {
	result, replayed, err := c.service.SendMessage(ctx, params)
	if err != nil {
		return nil, err
	}
	return &v1.SendMessageResult{
		Seq: result.Seq, Turn: result.Turn, Event: result.Event, Replayed: replayed,
	}, nil
}

func (c *LocalConn) SendTrace(ctx context.Context, params v1.SendTraceParams) (*v1.SendMessageResult, error) {
	result, replayed, err := c.service.SendTrace(ctx, params)
	if err != nil {
		return nil, err
	}
	return &v1.SendMessageResult{
		Seq: result.Seq, Turn: result.Turn, Event: result.Event, Replayed: replayed,
	}, nil
}

func (c *LocalConn) ClaimTurn(ctx context.Context, params v1.ClaimTurnParams) (*v1.ClaimTurnResult, error) {
	return c.service.ClaimTurn(ctx, params)
}

// localStream adapts a bus subscription to the runtime Stream.
type localStream struct {
	conversation int64
	sub          *bus.Subscription
	items        chan Item
	stop         chan struct{}
	stopOnce     sync.Once
}

func (s *localStream) Items() <-chan Item     { return s.items }
func (s *localStream) Done() <-chan struct{}  { return s.sub.Done() }
func (s *localStream) Err() error             { return s.sub.Err() }

func (c *LocalConn) Subscribe(ctx context.Context, params v1.SubscribeParams) (Stream, error) {
	sub, backlog, err := c.service.Subscribe(ctx, params)
	if err != nil {
		return nil, err
	}

	st := &localStream{
		conversation: params.Conversation,
		sub:          sub,
		items:        make(chan Item, cap(sub.Items())+len(backlog)),
		stop:         make(chan struct{}),
	}
	for _, ev := range backlog {
		st.items <- Item{Event: ev.ToAPI()}
	}
	go func() {
		for {
			select {
			case item := <-sub.Items():
				var out Item
				if item.Event != nil {
					out.Event = item.Event.ToAPI()
				} else {
					out.Guidance = item.Guidance
				}
				select {
				case st.items <- out:
				case <-st.stop:
					return
				case <-sub.Done():
					return
				}
			case <-sub.Done():
				return
			case <-st.stop:
				return
			}
		}
	}()
	return st, nil
}

func (c *LocalConn) Unsubscribe(ctx context.Context, stream Stream) error {
	st, ok := stream.(*localStream)
	if !ok {
		return nil
	}
	st.stopOnce.Do(func() { close(st.stop) })
	c.service.Unsubscribe(st.conversation, st.sub.ID)
	return nil
}
