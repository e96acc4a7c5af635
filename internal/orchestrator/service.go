// Package orchestrator coordinates the conversation log, the fanout bus,
// and the scheduling policy. It is the single writer path: every append
// flows through here so that publishes onto the bus happen in seq order and
// guidance follows the closing event that produced it.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/confab/confab/internal/common/config"
	"github.com/confab/confab/internal/common/logger"
	"github.com/confab/confab/internal/conversation/models"
	"github.com/confab/confab/internal/conversation/store"
	"github.com/confab/confab/internal/events/bus"
	"github.com/confab/confab/internal/orchestrator/scheduler"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// ErrServiceAlreadyRunning is returned by Start on a running service.
var ErrServiceAlreadyRunning = errors.New("orchestrator service already running")

// ErrServiceNotRunning is returned by Stop on a stopped service.
var ErrServiceNotRunning = errors.New("orchestrator service not running")

// Store is the persistence surface the orchestrator drives.
type Store interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	ListConversations(ctx context.Context, filter store.ListConversationsFilter) ([]*models.Conversation, error)
	UpdateMeta(ctx context.Context, id int64, metadata v1.Metadata) error
	AppendEvent(ctx context.Context, in store.AppendEventInput) (*store.AppendOutcome, error)
	GetEvents(ctx context.Context, conversation, sinceSeq int64, limit int) ([]*models.Event, error)
	Head(ctx context.Context, conversation int64) (*models.Head, error)
	LastSpoken(ctx context.Context, conversation int64) (map[string]int64, error)
	InsertClaim(ctx context.Context, conversation, guidanceSeq int64, agentID string, expiresAt time.Time) (bool, error)
	GetClaim(ctx context.Context, conversation, guidanceSeq int64) (*models.Claim, error)
	DeleteClaim(ctx context.Context, conversation, guidanceSeq int64) error
	DeleteClaims(ctx context.Context, conversation int64) error
	ListExpiredClaims(ctx context.Context, now time.Time) ([]*models.Claim, error)
	ListActiveClaims(ctx context.Context, conversation int64, now time.Time) ([]*models.Claim, error)
	ListIdleConversations(ctx context.Context, cutoff time.Time) ([]int64, error)
}

// ScenarioResolver loads scenario documents referenced by conversations.
type ScenarioResolver interface {
	GetScenario(ctx context.Context, ref string) (*v1.Scenario, error)
}

// Service is the conversation orchestrator.
type Service struct {
	cfg       config.OrchestratorConfig
	store     Store
	bus       *bus.Bus
	policy    scheduler.Policy
	scenarios ScenarioResolver // may be nil
	log       *logger.Logger

	// pubLocks serializes append+publish per conversation so the bus
	// observes events in seq order and guidance lands directly after its
	// closing event.
	pubLocks sync.Map // int64 -> *sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService wires the orchestrator components together. scenarios may be
// nil when scenario storage is disabled.
func NewService(cfg config.OrchestratorConfig, st Store, eventBus *bus.Bus, policy scheduler.Policy, scenarios ScenarioResolver, log *logger.Logger) *Service {
	if policy == nil {
		policy = scheduler.NewAlternation()
	}
	return &Service{
		cfg:       cfg,
		store:     st,
		bus:       eventBus,
		policy:    policy,
		scenarios: scenarios,
		log:       log.WithFields(zap.String("component", "orchestrator")),
	}
}

// Bus exposes the fanout bus for in-process subscribers.
func (s *Service) Bus() *bus.Bus {
	return s.bus
}

// IdleTurn is the claim deadline handed out with guidance.
func (s *Service) IdleTurn() time.Duration {
	return s.cfg.IdleTurn()
}

// Start launches the claim watchdog.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrServiceAlreadyRunning
	}
	s.stopCh = make(chan struct{})
	s.running = true
	s.wg.Add(1)
	go s.watchdogLoop(ctx)
	s.log.Info("orchestrator started",
		zap.Duration("idle_turn", s.cfg.IdleTurn()),
		zap.Duration("watchdog_interval", s.cfg.WatchdogInterval()))
	return nil
}

// Stop halts the watchdog. In-flight appends finish normally.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrServiceNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("orchestrator stopped")
	return nil
}

// lockPublish acquires the append+publish lock for a conversation.
func (s *Service) lockPublish(conversation int64) func() {
	muAny, _ := s.pubLocks.LoadOrStore(conversation, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
