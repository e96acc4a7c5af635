package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/confab/confab/internal/common/logger"
	"github.com/confab/confab/internal/events/bus"
	"github.com/confab/confab/internal/orchestrator/wshandlers"
	v1 "github.com/confab/confab/pkg/api/v1"
	"github.com/confab/confab/pkg/jsonrpc"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// clientSubscription is one live event stream bound to this connection.
type clientSubscription struct {
	conversation int64
	sub          *bus.Subscription
	stop         chan struct{}
	stopOnce     sync.Once
}

// Client represents a single WebSocket connection
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	subscriptions map[string]*clientSubscription // subscription ID -> stream

	logger *logger.Logger
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		done:          make(chan struct{}),
		subscriptions: make(map[string]*clientSubscription),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// shutdown releases the write pump and unblocks any goroutine waiting to
// enqueue. The send channel itself is never closed: forwarders and async
// responders may still be running when the hub tears the client down.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ReadPump pumps messages from the WebSocket connection to the dispatcher
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.logger.Error("Failed to parse request", zap.Error(err))
			c.sendResponse(jsonrpc.NewErrorResponse(nil,
				jsonrpc.NewError(jsonrpc.ParseError, "invalid JSON", nil)))
			continue
		}

		c.handleRequest(ctx, &req)
	}
}

// handleRequest processes one incoming request
func (c *Client) handleRequest(ctx context.Context, req *jsonrpc.Request) {
	c.logger.Debug("Received request", zap.String("method", req.Method))

	// Subscription methods bind streams to this connection, so they are
	// handled here rather than in the dispatcher.
	switch req.Method {
	case v1.MethodSubscribe:
		c.handleSubscribe(ctx, req)
		return
	case v1.MethodUnsubscribe:
		c.handleUnsubscribe(req)
		return
	case v1.MethodRunToCompletion:
		// Long-running; must not stall the read loop.
		go func() {
			if resp := c.hub.dispatcher.Dispatch(ctx, req); resp != nil {
				c.sendResponse(resp)
			}
		}()
		return
	}

	if resp := c.hub.dispatcher.Dispatch(ctx, req); resp != nil {
		c.sendResponse(resp)
	}
}

// handleSubscribe handles the subscribe method: it registers the stream,
// acknowledges with the subscription ID, replays the backlog as event
// notifications, and then forwards live items until torn down.
func (c *Client) handleSubscribe(ctx context.Context, req *jsonrpc.Request) {
	var params v1.SubscribeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.sendResponse(jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(
				jsonrpc.InvalidParams, "invalid params: "+err.Error(),
				v1.ErrorData{Code: v1.CodeValidation})))
			return
		}
	}

	sub, backlog, err := c.hub.service.Subscribe(ctx, params)
	if err != nil {
		c.sendResponse(jsonrpc.NewErrorResponse(req.ID, wshandlers.RPCError(err)))
		return
	}

	cs := &clientSubscription{
		conversation: params.Conversation,
		sub:          sub,
		stop:         make(chan struct{}),
	}
	c.mu.Lock()
	c.subscriptions[sub.ID] = cs
	c.mu.Unlock()

	if resp, err := jsonrpc.NewResponse(req.ID, v1.SubscribeResult{SubscriptionID: sub.ID}); err == nil {
		c.sendResponse(resp)
	}

	for _, ev := range backlog {
		c.sendNotification(v1.NotificationEvent, v1.EventNotification{
			SubscriptionID: sub.ID,
			Event:          ev.ToAPI(),
		})
	}

	go c.forward(cs)
}

// handleUnsubscribe handles the unsubscribe method
func (c *Client) handleUnsubscribe(req *jsonrpc.Request) {
	var params v1.UnsubscribeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.sendResponse(jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(
				jsonrpc.InvalidParams, "invalid params: "+err.Error(),
				v1.ErrorData{Code: v1.CodeValidation})))
			return
		}
	}

	c.mu.Lock()
	cs, ok := c.subscriptions[params.SubscriptionID]
	if ok {
		delete(c.subscriptions, params.SubscriptionID)
	}
	c.mu.Unlock()

	if ok {
		cs.stopOnce.Do(func() { close(cs.stop) })
		c.hub.service.Unsubscribe(cs.conversation, cs.sub.ID)
	}

	if resp, err := jsonrpc.NewResponse(req.ID, map[string]bool{"ok": ok}); err == nil {
		c.sendResponse(resp)
	}
}

// forward pushes live items from the bus to the connection.
func (c *Client) forward(cs *clientSubscription) {
	var lastSeq int64
	for {
		select {
		case item := <-cs.sub.Items():
			if item.Event != nil {
				lastSeq = item.Event.Seq
				c.sendNotification(v1.NotificationEvent, v1.EventNotification{
					SubscriptionID: cs.sub.ID,
					Event:          item.Event.ToAPI(),
				})
			} else if item.Guidance != nil {
				c.sendNotification(v1.NotificationGuidance, v1.GuidanceNotification{
					SubscriptionID: cs.sub.ID,
					Guidance:       item.Guidance,
				})
			}

		case <-cs.sub.Done():
			if errors.Is(cs.sub.Err(), bus.ErrSubscriberOverrun) {
				c.sendNotification(v1.NotificationOverrun, v1.OverrunNotification{
					SubscriptionID: cs.sub.ID,
					Code:           v1.CodeSubscriberOverrun,
					LastSeq:        lastSeq,
				})
			}
			c.mu.Lock()
			delete(c.subscriptions, cs.sub.ID)
			c.mu.Unlock()
			return

		case <-cs.stop:
			return
		}
	}
}

// teardownSubscriptions releases every stream bound to this connection.
func (c *Client) teardownSubscriptions() {
	c.mu.Lock()
	subs := make([]*clientSubscription, 0, len(c.subscriptions))
	for _, cs := range c.subscriptions {
		subs = append(subs, cs)
	}
	c.subscriptions = make(map[string]*clientSubscription)
	c.mu.Unlock()

	for _, cs := range subs {
		cs.stopOnce.Do(func() { close(cs.stop) })
		c.hub.service.Unsubscribe(cs.conversation, cs.sub.ID)
	}
}

// sendResponse sends a response to the client
func (c *Client) sendResponse(resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// sendNotification sends a server-push notification to the client
func (c *Client) sendNotification(method string, params interface{}) {
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		c.logger.Error("Failed to build notification", zap.Error(err))
		return
	}
	data, err := json.Marshal(note)
	if err != nil {
		c.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// enqueue queues one frame for the write pump, blocking while the queue is
// full so a slow connection applies backpressure instead of losing frames.
// A connection that stays stalled past the write deadline is torn down by
// WritePump, which releases the wait through done.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	}
}

// WritePump pumps messages from the send queue to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
