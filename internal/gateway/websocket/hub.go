// Package websocket provides the WebSocket gateway carrying the
// JSON-RPC conversation API and its event stream notifications.
package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/confab/confab/internal/common/logger"
	"github.com/confab/confab/internal/conversation/models"
	"github.com/confab/confab/internal/events/bus"
	v1 "github.com/confab/confab/pkg/api/v1"
	"github.com/confab/confab/pkg/jsonrpc"
)

// SubscriptionService is the orchestrator surface the connection layer
// needs: subscribe and unsubscribe live on the connection because the
// resulting stream is tied to it.
type SubscriptionService interface {
	Subscribe(ctx context.Context, params v1.SubscribeParams) (*bus.Subscription, []*models.Event, error)
	Unsubscribe(conversation int64, subscriptionID string)
}

// Hub manages all WebSocket client connections
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	dispatcher *jsonrpc.Dispatcher
	service    SubscriptionService

	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(dispatcher *jsonrpc.Dispatcher, service SubscriptionService, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		dispatcher: dispatcher,
		service:    service,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// closeAllClients closes all client connections
func (h *Hub) closeAllClients() {
	for client := range h.clients {
		client.teardownSubscriptions()
		client.shutdown()
		delete(h.clients, client)
	}
}

// removeClient removes a client from the hub
func (h *Hub) removeClient(client *Client) {
	if _, ok := h.clients[client]; ok {
		client.teardownSubscriptions()
		delete(h.clients, client)
		client.shutdown()
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}
