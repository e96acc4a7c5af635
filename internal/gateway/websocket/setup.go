package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/confab/confab/internal/common/logger"
	"github.com/confab/confab/pkg/jsonrpc"
)

// Gateway bundles the WebSocket endpoint, its hub and the JSON-RPC
// dispatcher the orchestrator handlers register against.
type Gateway struct {
	Hub        *Hub
	Dispatcher *jsonrpc.Dispatcher
	Handler    *Handler
}

// Provide wires up the gateway: one dispatcher, one hub, one upgrade
// handler.
func Provide(service SubscriptionService, log *logger.Logger) (*Gateway, error) {
	dispatcher := jsonrpc.NewDispatcher()
	hub := NewHub(dispatcher, service, log)
	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    NewHandler(hub, log),
	}, nil
}

// SetupRoutes registers the /ws endpoint.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
