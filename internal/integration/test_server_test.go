// Package integration provides end-to-end integration tests for the Confab
// backend: the full orchestrator stack behind a real HTTP server, exercised
// through the WebSocket client and the REST surface.
package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/confab/confab/internal/agent/agents"
	"github.com/confab/confab/internal/agent/lifecycle"
	"github.com/confab/confab/internal/agent/registry"
	"github.com/confab/confab/internal/common/config"
	"github.com/confab/confab/internal/common/logger"
	conversationhandlers "github.com/confab/confab/internal/conversation/handlers"
	"github.com/confab/confab/internal/conversation/store"
	"github.com/confab/confab/internal/db"
	"github.com/confab/confab/internal/db/dialect"
	"github.com/confab/confab/internal/events/bus"
	gateways "github.com/confab/confab/internal/gateway/websocket"
	"github.com/confab/confab/internal/orchestrator"
	"github.com/confab/confab/internal/orchestrator/scheduler"
	"github.com/confab/confab/internal/orchestrator/wshandlers"
	"github.com/confab/confab/internal/scenario"
	v1 "github.com/confab/confab/pkg/api/v1"
	"github.com/confab/confab/pkg/client"
)

// TestServer runs the whole stack behind an httptest server.
type TestServer struct {
	Server        *httptest.Server
	Service       *orchestrator.Service
	Store         *store.Store
	ScenarioStore *scenario.Store
	Bus           *bus.Bus
	Lifecycle     *lifecycle.Manager
	Logger        *logger.Logger

	cancel context.CancelFunc
}

func defaultTestConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		IdleTurnMs:         30000,
		WatchdogIntervalMs: 1000,
		SubscriberBuffer:   64,
		OverrunPolicy:      "block",
	}
}

// newTestServer wires the server the way cmd/confab does, with the echo
// agent class registered.
func newTestServer(t *testing.T, cfg config.OrchestratorConfig) *TestServer {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	path := filepath.Join(t.TempDir(), "test.db")
	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)
	pool := db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
	t.Cleanup(func() { _ = pool.Close() })

	conversationStore, err := store.New(pool, log)
	require.NoError(t, err)
	scenarioStore, err := scenario.New(pool, log)
	require.NoError(t, err)

	eventBus := bus.New(bus.Options{
		Buffer: cfg.SubscriberBuffer,
		Policy: bus.ParseOverrunPolicy(cfg.OverrunPolicy),
	}, log)

	svc := orchestrator.NewService(cfg, conversationStore, eventBus,
		scheduler.NewAlternation(), scenarioStore, log)
	require.NoError(t, svc.Start(ctx))

	agentRegistry := registry.New()
	agentRegistry.Register(agents.ClassEcho, agents.EchoFactory())
	lifecycleMgr := lifecycle.NewManager(svc, agentRegistry, log)

	gateway, err := gateways.Provide(svc, log)
	require.NoError(t, err)
	go gateway.Hub.Run(ctx)
	wshandlers.NewHandlers(svc, lifecycleMgr, log).RegisterHandlers(gateway.Dispatcher)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	gateway.SetupRoutes(router)
	conversationhandlers.NewHandler(svc, conversationStore, log).RegisterRoutes(router)
	scenarioStore.RegisterRoutes(router)

	server := httptest.NewServer(router)

	ts := &TestServer{
		Server:        server,
		Service:       svc,
		Store:         conversationStore,
		ScenarioStore: scenarioStore,
		Bus:           eventBus,
		Lifecycle:     lifecycleMgr,
		Logger:        log,
		cancel:        cancel,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts down the test server.
func (ts *TestServer) Close() {
	if err := ts.Lifecycle.StopAll(); err != nil {
		ts.Logger.Warn("failed to stop agents", zap.Error(err))
	}
	if err := ts.Service.Stop(); err != nil {
		ts.Logger.Warn("failed to stop orchestrator", zap.Error(err))
	}
	ts.cancel()
	ts.Server.Close()
	ts.Bus.Close()
}

// Dial connects a WebSocket client to the test server.
func (ts *TestServer) Dial(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), ts.Server.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// CreateConversation creates a conversation with external participants.
func (ts *TestServer) CreateConversation(t *testing.T, c *client.Client, agents ...string) int64 {
	t.Helper()
	meta := v1.Metadata{}
	for _, id := range agents {
		meta.Participants = append(meta.Participants, v1.Participant{
			AgentID: id,
			Kind:    v1.ParticipantExternal,
		})
	}
	conv, err := c.CreateConversation(context.Background(), v1.CreateConversationParams{
		Title:    "integration test",
		Metadata: meta,
	})
	require.NoError(t, err)
	return conv.ID
}
