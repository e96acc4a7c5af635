// Package lifecycle starts and tracks internal agents. Each internal
// participant of a conversation gets one runtime loop in a goroutine;
// external participants connect over the WebSocket API on their own.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/confab/confab/internal/agent/registry"
	"github.com/confab/confab/internal/agent/runtime"
	"github.com/confab/confab/internal/common/logger"
	"github.com/confab/confab/internal/orchestrator"
	v1 "github.com/confab/confab/pkg/api/v1"
)

const stopTimeout = 10 * time.Second

// Manager owns the running internal agents.
type Manager struct {
	service  *orchestrator.Service
	registry *registry.Registry
	log      *logger.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc // "<conversation>/<agentID>"
	wg      sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewManager creates a lifecycle manager.
func NewManager(service *orchestrator.Service, reg *registry.Registry, log *logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		service:  service,
		registry: reg,
		log:      log.WithFields(zap.String("component", "agent-lifecycle")),
		running:  make(map[string]context.CancelFunc),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// EnsureAgentsRunning starts a runtime loop for every internal
// participant of the conversation that is not already running. It
// returns the internal agent IDs now running. Safe to call repeatedly.
func (m *Manager) EnsureAgentsRunning(ctx context.Context, conversation int64) ([]string, error) {
	conv, err := m.service.GetConversation(ctx, conversation)
	if err != nil {
		return nil, err
	}

	var agents []string
	for _, participant := range conv.Metadata.Participants {
		if participant.Kind != v1.ParticipantInternal {
			continue
		}
		agents = append(agents, participant.AgentID)
		if err := m.ensureAgent(conversation, participant); err != nil {
			return agents, err
		}
	}
	return agents, nil
}

func (m *Manager) ensureAgent(conversation int64, participant v1.Participant) error {
	key := fmt.Sprintf("%d/%s", conversation, participant.AgentID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[key]; ok {
		return nil
	}

	agent, err := m.registry.Create(participant)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)
	m.running[key] = cancel

	runner := runtime.NewRunner(
		runtime.NewLocalConn(m.service),
		agent,
		participant.AgentID,
		conversation,
		m.log,
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, key)
			m.mu.Unlock()
			cancel()
		}()

		m.log.Info("agent started",
			zap.String("agent_id", participant.AgentID),
			zap.Int64("conversation", conversation))
		if err := runner.Run(runCtx); err != nil && runCtx.Err() == nil {
			m.log.Error("agent exited with error",
				zap.String("agent_id", participant.AgentID),
				zap.Int64("conversation", conversation),
				zap.Error(err))
			return
		}
		m.log.Info("agent finished",
			zap.String("agent_id", participant.AgentID),
			zap.Int64("conversation", conversation))
	}()
	return nil
}

// Running reports how many agents are currently active.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// StopAll cancels every running agent and waits for the loops to exit.
func (m *Manager) StopAll() error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(stopTimeout):
		return fmt.Errorf("agents did not stop within %s", stopTimeout)
	}
}
