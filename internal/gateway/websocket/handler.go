package websocket

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/confab/confab/internal/common/logger"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// Handler upgrades HTTP requests on /ws into hub-managed connections.
type Handler struct {
	hub      *Hub
	upgrader gorillaws.Upgrader
	logger   *logger.Logger
}

func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents connect from anywhere; origin checks are left to
			// the deployment's ingress.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades the request, registers the client with the
// hub, and greets it with a welcome notification carrying its
// connection ID. The read pump runs on this goroutine until the
// connection drops.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)
	client.sendNotification(v1.NotificationWelcome, v1.WelcomeNotification{
		OK:           true,
		ConnectionID: clientID,
		ServerTime:   time.Now().UnixMilli(),
	})

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
