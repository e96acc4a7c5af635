// Package client implements the WebSocket JSON-RPC client for the
// orchestrator API. Agent runtimes use it to send messages, claim turns,
// and follow conversation streams.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	v1 "github.com/confab/confab/pkg/api/v1"
	"github.com/confab/confab/pkg/jsonrpc"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 10 * time.Second
)

// Client is one WebSocket connection to the orchestrator.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *jsonrpc.Response
	streams map[string]*Stream
	// stray buffers stream notifications that arrive before Subscribe
	// has registered the stream for their subscription ID.
	stray map[string][]StreamItem

	closeOnce sync.Once
	err       error
}

// Dial connects to the orchestrator WebSocket endpoint. The URL may be
// the http(s) base address; the /ws path and scheme are fixed up here.
func Dial(ctx context.Context, serverURL string) (*Client, error) {
	wsURL := serverURL
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	}
	if !strings.HasSuffix(wsURL, "/ws") {
		wsURL = strings.TrimSuffix(wsURL, "/") + "/ws"
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c := &Client{
		conn:    conn,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		pending: make(map[int64]chan *jsonrpc.Response),
		streams: make(map[string]*Stream),
		stray:   make(map[string][]StreamItem),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

// Done is closed when the connection is lost or Close is called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, nil on a clean Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down. Streams end with a nil error.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		streams := c.streams
		c.streams = map[string]*Stream{}
		c.mu.Unlock()

		for _, st := range streams {
			st.finish(err)
		}
		c.conn.Close()
		close(c.done)
	})
}

// Call performs one JSON-RPC request and decodes the result into out
// (which may be nil). Server errors come back as *jsonrpc.Error.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	id := c.nextID.Add(1)

	req := jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = raw
	}
	data, err := json.Marshal(&req)
	if err != nil {
		return err
	}

	respCh := make(chan *jsonrpc.Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case c.send <- data:
	case <-c.done:
		return fmt.Errorf("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, out)
		}
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		// The server batches queued frames newline-separated.
		for _, chunk := range strings.Split(string(data), "\n") {
			if chunk == "" {
				continue
			}
			c.route([]byte(chunk))
		}
	}
}

func (c *Client) route(data []byte) {
	var envelope struct {
		ID     json.Number     `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *jsonrpc.Error  `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	if envelope.Method != "" {
		c.routeNotification(envelope.Method, envelope.Params)
		return
	}

	id, err := envelope.ID.Int64()
	if err != nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		ch <- &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Result: envelope.Result, Error: envelope.Error}
	}
}

func (c *Client) routeNotification(method string, params json.RawMessage) {
	switch method {
	case v1.NotificationEvent:
		var note v1.EventNotification
		if json.Unmarshal(params, &note) == nil {
			c.deliver(note.SubscriptionID, StreamItem{Event: note.Event})
		}
	case v1.NotificationGuidance:
		var note v1.GuidanceNotification
		if json.Unmarshal(params, &note) == nil {
			c.deliver(note.SubscriptionID, StreamItem{Guidance: note.Guidance})
		}
	case v1.NotificationOverrun:
		var note v1.OverrunNotification
		if json.Unmarshal(params, &note) == nil {
			c.mu.Lock()
			st, ok := c.streams[note.SubscriptionID]
			delete(c.streams, note.SubscriptionID)
			c.mu.Unlock()
			if ok {
				st.finish(ErrStreamOverrun)
			}
		}
	}
	// welcome and ping are informational
}

func (c *Client) deliver(subscriptionID string, item StreamItem) {
	c.mu.Lock()
	st, ok := c.streams[subscriptionID]
	if !ok {
		// Subscribe has not returned yet; hold the item.
		c.stray[subscriptionID] = append(c.stray[subscriptionID], item)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	st.push(item)
}

func (c *Client) writePump() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}
