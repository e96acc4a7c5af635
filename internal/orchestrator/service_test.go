package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confab/confab/internal/common/config"
	apperrors "github.com/confab/confab/internal/common/errors"
	"github.com/confab/confab/internal/common/logger"
	"github.com/confab/confab/internal/conversation/models"
	"github.com/confab/confab/internal/conversation/store"
	"github.com/confab/confab/internal/db"
	"github.com/confab/confab/internal/db/dialect"
	"github.com/confab/confab/internal/events/bus"
	v1 "github.com/confab/confab/pkg/api/v1"
)

func newTestService(t *testing.T, cfg config.OrchestratorConfig) *Service {
	t.Helper()
	if cfg.IdleTurnMs == 0 {
		cfg.IdleTurnMs = 30000
	}
	if cfg.WatchdogIntervalMs == 0 {
		cfg.WatchdogIntervalMs = 5000
	}
	if cfg.SubscriberBuffer == 0 {
		cfg.SubscriberBuffer = 64
	}

	path := filepath.Join(t.TempDir(), "test.db")
	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)
	pool := db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	st, err := store.New(pool, log)
	require.NoError(t, err)

	eventBus := bus.New(bus.Options{
		Buffer: cfg.SubscriberBuffer,
		Policy: bus.ParseOverrunPolicy(cfg.OverrunPolicy),
	}, log)
	t.Cleanup(eventBus.Close)

	svc := NewService(cfg, st, eventBus, nil, nil, log)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func createTestConversation(t *testing.T, svc *Service, agents ...string) *models.Conversation {
	t.Helper()
	meta := v1.Metadata{}
	for _, id := range agents {
		meta.Participants = append(meta.Participants, v1.Participant{AgentID: id, Kind: v1.ParticipantExternal})
	}
	conv, err := svc.CreateConversation(context.Background(), v1.CreateConversationParams{
		Title:    "test",
		Metadata: meta,
	})
	require.NoError(t, err)
	return conv
}

func nextItem(t *testing.T, sub *bus.Subscription) bus.Item {
	t.Helper()
	select {
	case item := <-sub.Items():
		return item
	case <-sub.Done():
		t.Fatalf("subscription ended: %v", sub.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for item")
	}
	return bus.Item{}
}

func TestSendMessage_GuidanceFollowsClosingEvent(t *testing.T) {
	svc := newTestService(t, config.OrchestratorConfig{})
	conv := createTestConversation(t, svc, "alice", "bob")
	ctx := context.Background()

	sub, backlog, err := svc.Subscribe(ctx, v1.SubscribeParams{
		Conversation:    conv.ID,
		IncludeGuidance: true,
	})
	require.NoError(t, err)
	defer svc.Unsubscribe(conv.ID, sub.ID)
	assert.Empty(t, backlog)

	result, replayed, err := svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID,
		AgentID:      "alice",
		Finality:     "turn",
		Text:         "over to you",
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 1, result.Turn)

	first := nextItem(t, sub)
	require.NotNil(t, first.Event)
	assert.Equal(t, result.Seq, first.Event.Seq)

	second := nextItem(t, sub)
	require.NotNil(t, second.Guidance, "guidance must directly follow the closing event")
	assert.Equal(t, "bob", second.Guidance.NextAgentID)
	assert.Equal(t, result.Seq, models.ClaimSeq(second.Guidance.Seq))
	assert.Greater(t, second.Guidance.Seq, float64(result.Seq))
	assert.Equal(t, svc.IdleTurn().Milliseconds(), second.Guidance.DeadlineMs)
}

func TestSendMessage_NoGuidanceOnConversationEnd(t *testing.T) {
	svc := newTestService(t, config.OrchestratorConfig{})
	conv := createTestConversation(t, svc, "alice", "bob")
	ctx := context.Background()

	sub, _, err := svc.Subscribe(ctx, v1.SubscribeParams{Conversation: conv.ID, IncludeGuidance: true})
	require.NoError(t, err)
	defer svc.Unsubscribe(conv.ID, sub.ID)

	_, _, err = svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID,
		AgentID:      "alice",
		Finality:     "conversation",
		Text:         "goodbye",
		Outcome:      &v1.Outcome{Status: "done"},
	})
	require.NoError(t, err)

	closing := nextItem(t, sub)
	require.NotNil(t, closing.Event)

	select {
	case item := <-sub.Items():
		t.Fatalf("unexpected item after conversation close: %+v", item)
	case <-time.After(100 * time.Millisecond):
	}

	loaded, err := svc.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationCompleted, loaded.Status)
}

func TestSendTrace_RequiresOpenTurn(t *testing.T) {
	svc := newTestService(t, config.OrchestratorConfig{})
	conv := createTestConversation(t, svc, "alice", "bob")

	_, _, err := svc.SendTrace(context.Background(), v1.SendTraceParams{
		Conversation: conv.ID,
		AgentID:      "alice",
		Kind:         "thought",
		Text:         "thinking into the void",
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNoOpenTurn))
}

func TestSendMessage_PinnedTurn(t *testing.T) {
	svc := newTestService(t, config.OrchestratorConfig{})
	conv := createTestConversation(t, svc, "alice", "bob")
	ctx := context.Background()

	first, _, err := svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID, AgentID: "alice", Text: "opening",
	})
	require.NoError(t, err)
	require.Equal(t, 1, first.Turn)

	// A trace pinned to the open turn lands in it.
	tr, _, err := svc.SendTrace(ctx, v1.SendTraceParams{
		Conversation: conv.ID, AgentID: "alice", Kind: "thought", Text: "still here", Turn: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Turn)

	_, _, err = svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID, AgentID: "alice", Finality: "turn", Text: "done",
	})
	require.NoError(t, err)

	// Pinning a closed turn is rejected rather than silently retargeted.
	_, _, err = svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID, AgentID: "bob", Text: "too late", Turn: 1,
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeTurnClosed))

	// Pinning a turn that does not exist yet is a validation error.
	_, _, err = svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID, AgentID: "bob", Text: "from the future", Turn: 7,
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
}

func TestSendMessage_IdempotentReplayDoesNotRepublish(t *testing.T) {
	svc := newTestService(t, config.OrchestratorConfig{})
	conv := createTestConversation(t, svc, "alice", "bob")
	ctx := context.Background()

	params := v1.SendMessageParams{
		Conversation:    conv.ID,
		AgentID:         "alice",
		Text:            "hello",
		ClientRequestID: "req-1",
	}
	first, replayed, err := svc.SendMessage(ctx, params)
	require.NoError(t, err)
	assert.False(t, replayed)

	sub, backlog, err := svc.Subscribe(ctx, v1.SubscribeParams{Conversation: conv.ID})
	require.NoError(t, err)
	defer svc.Unsubscribe(conv.ID, sub.ID)
	require.Len(t, backlog, 1)

	second, replayed, err := svc.SendMessage(ctx, params)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.Seq, second.Seq)

	// The replay added nothing to the log and nothing to the stream.
	select {
	case item := <-sub.Items():
		t.Fatalf("replay must not be republished, got %+v", item)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUpdateMeta_MergesPatch(t *testing.T) {
	svc := newTestService(t, config.OrchestratorConfig{})
	conv := createTestConversation(t, svc, "alice", "bob")
	ctx := context.Background()

	// Open a turn so the advisory marker has somewhere to land.
	_, _, err := svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID, AgentID: "alice", Text: "hello",
	})
	require.NoError(t, err)

	updated, err := svc.UpdateMeta(ctx, v1.UpdateMetaParams{
		Conversation: conv.ID,
		Metadata: v1.Metadata{
			StartingAgentID: "bob",
			Custom:          map[string]any{"topic": "budget"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", updated.Metadata.StartingAgentID)
	assert.Equal(t, "budget", updated.Metadata.Custom["topic"])
	// Fields absent from the patch keep their stored values.
	assert.Len(t, updated.Metadata.Participants, 2)

	loaded, err := svc.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", loaded.Metadata.StartingAgentID)

	// The change is marked in the open turn.
	events, err := svc.GetEvents(ctx, v1.GetEventsParams{Conversation: conv.ID})
	require.NoError(t, err)
	var marked bool
	for _, ev := range events {
		if ev.Type != models.EventSystem {
			continue
		}
		var payload v1.SystemPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		if payload.Kind == v1.SystemMetaUpdated {
			marked = true
		}
	}
	assert.True(t, marked, "meta_updated marker missing from the open turn")

	// A patch that breaks the metadata invariants is rejected.
	_, err = svc.UpdateMeta(ctx, v1.UpdateMetaParams{
		Conversation: conv.ID,
		Metadata:     v1.Metadata{StartingAgentID: "ghost"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
}

func TestUpdateMeta_RejectsCompletedConversation(t *testing.T) {
	svc := newTestService(t, config.OrchestratorConfig{})
	conv := createTestConversation(t, svc, "alice")
	ctx := context.Background()

	_, _, err := svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID, AgentID: "alice", Finality: "conversation", Text: "bye",
	})
	require.NoError(t, err)

	_, err = svc.UpdateMeta(ctx, v1.UpdateMetaParams{
		Conversation: conv.ID,
		Metadata:     v1.Metadata{Custom: map[string]any{"topic": "late"}},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConversationClosed))
}

func TestActiveClaims(t *testing.T) {
	svc := newTestService(t, config.OrchestratorConfig{})
	conv := createTestConversation(t, svc, "alice", "bob")
	ctx := context.Background()

	active, err := svc.ActiveClaims(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	result, _, err := svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID, AgentID: "alice", Finality: "turn", Text: "go",
	})
	require.NoError(t, err)
	guidanceSeq := float64(result.Seq) + models.GuidanceSeqOffset

	claimed, err := svc.ClaimTurn(ctx, v1.ClaimTurnParams{
		Conversation: conv.ID, AgentID: "bob", GuidanceSeq: guidanceSeq,
	})
	require.NoError(t, err)
	require.True(t, claimed.OK)

	active, err = svc.ActiveClaims(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "bob", active[0].AgentID)
	assert.Equal(t, models.ClaimSeq(guidanceSeq), active[0].GuidanceSeq)

	_, err = svc.ActiveClaims(ctx, conv.ID+99)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeConversationNotFound))
}

func TestClaimTurn_Race(t *testing.T) {
	svc := newTestService(t, config.OrchestratorConfig{})
	conv := createTestConversation(t, svc, "alice", "bob", "carol")
	ctx := context.Background()

	result, _, err := svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID, AgentID: "alice", Finality: "turn", Text: "go",
	})
	require.NoError(t, err)
	guidanceSeq := float64(result.Seq) + models.GuidanceSeqOffset

	winner, err := svc.ClaimTurn(ctx, v1.ClaimTurnParams{
		Conversation: conv.ID, AgentID: "bob", GuidanceSeq: guidanceSeq,
	})
	require.NoError(t, err)
	assert.True(t, winner.OK)

	loser, err := svc.ClaimTurn(ctx, v1.ClaimTurnParams{
		Conversation: conv.ID, AgentID: "carol", GuidanceSeq: guidanceSeq,
	})
	require.NoError(t, err)
	assert.False(t, loser.OK)
	assert.Equal(t, v1.CodeClaimContended, loser.Reason)
	assert.Equal(t, "bob", loser.Holder)

	// The holder may re-claim its own key.
	again, err := svc.ClaimTurn(ctx, v1.ClaimTurnParams{
		Conversation: conv.ID, AgentID: "bob", GuidanceSeq: guidanceSeq,
	})
	require.NoError(t, err)
	assert.True(t, again.OK)
}

func TestClaimTurn_ClearedWhenTurnCloses(t *testing.T) {
	svc := newTestService(t, config.OrchestratorConfig{})
	conv := createTestConversation(t, svc, "alice", "bob")
	ctx := context.Background()

	result, _, err := svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID, AgentID: "alice", Finality: "turn", Text: "go",
	})
	require.NoError(t, err)
	guidanceSeq := float64(result.Seq) + models.GuidanceSeqOffset

	claimed, err := svc.ClaimTurn(ctx, v1.ClaimTurnParams{
		Conversation: conv.ID, AgentID: "bob", GuidanceSeq: guidanceSeq,
	})
	require.NoError(t, err)
	require.True(t, claimed.OK)

	// Bob speaks and closes his turn, consuming the claim.
	closing, _, err := svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID, AgentID: "bob", Finality: "turn", Text: "done",
	})
	require.NoError(t, err)

	// The old key is free again and a new claim for the next guidance works.
	nextGuidance := float64(closing.Seq) + models.GuidanceSeqOffset
	claimed, err = svc.ClaimTurn(ctx, v1.ClaimTurnParams{
		Conversation: conv.ID, AgentID: "alice", GuidanceSeq: nextGuidance,
	})
	require.NoError(t, err)
	assert.True(t, claimed.OK)
}

func TestWatchdog_ReapsExpiredClaimAndReprompts(t *testing.T) {
	svc := newTestService(t, config.OrchestratorConfig{
		IdleTurnMs:         50,
		WatchdogIntervalMs: 20,
	})
	conv := createTestConversation(t, svc, "alice", "bob", "carol")
	ctx := context.Background()

	sub, _, err := svc.Subscribe(ctx, v1.SubscribeParams{Conversation: conv.ID, IncludeGuidance: true})
	require.NoError(t, err)
	defer svc.Unsubscribe(conv.ID, sub.ID)

	result, _, err := svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID, AgentID: "alice", Finality: "turn", Text: "go",
	})
	require.NoError(t, err)
	guidanceSeq := float64(result.Seq) + models.GuidanceSeqOffset

	// Drain the closing event and the first guidance.
	nextItem(t, sub)
	first := nextItem(t, sub)
	require.NotNil(t, first.Guidance)

	claimed, err := svc.ClaimTurn(ctx, v1.ClaimTurnParams{
		Conversation: conv.ID, AgentID: first.Guidance.NextAgentID, GuidanceSeq: guidanceSeq,
	})
	require.NoError(t, err)
	require.True(t, claimed.OK)

	// The claimant goes silent; the watchdog reaps and re-prompts someone
	// else for the same guidance seq.
	var fresh bus.Item
	deadline := time.After(3 * time.Second)
	for fresh.Guidance == nil {
		select {
		case item := <-sub.Items():
			if item.Guidance != nil {
				fresh = item
			}
		case <-deadline:
			t.Fatal("no fresh guidance after claim expiry")
		}
	}
	assert.Equal(t, models.ClaimSeq(guidanceSeq), models.ClaimSeq(fresh.Guidance.Seq))
	assert.NotEqual(t, first.Guidance.NextAgentID, fresh.Guidance.NextAgentID)

	// The reaped key is claimable again.
	reclaimed, err := svc.ClaimTurn(ctx, v1.ClaimTurnParams{
		Conversation: conv.ID, AgentID: fresh.Guidance.NextAgentID, GuidanceSeq: guidanceSeq,
	})
	require.NoError(t, err)
	assert.True(t, reclaimed.OK)
}

func TestSubscribe_ReplayThenLive(t *testing.T) {
	svc := newTestService(t, config.OrchestratorConfig{})
	conv := createTestConversation(t, svc, "alice", "bob")
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		_, _, err := svc.SendMessage(ctx, v1.SendMessageParams{
			Conversation: conv.ID, AgentID: "alice", Text: text,
		})
		require.NoError(t, err)
	}

	sub, backlog, err := svc.Subscribe(ctx, v1.SubscribeParams{Conversation: conv.ID})
	require.NoError(t, err)
	defer svc.Unsubscribe(conv.ID, sub.ID)
	require.Len(t, backlog, 2)
	lastSeq := backlog[len(backlog)-1].Seq

	_, _, err = svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID, AgentID: "alice", Text: "three",
	})
	require.NoError(t, err)

	// Live items resume after the backlog; consumers skip seq <= lastSeq.
	for {
		item := nextItem(t, sub)
		require.NotNil(t, item.Event)
		if item.Event.Seq <= lastSeq {
			continue
		}
		assert.Contains(t, string(item.Event.Payload), "three")
		break
	}
}

func TestSubscribe_FilterByType(t *testing.T) {
	svc := newTestService(t, config.OrchestratorConfig{})
	conv := createTestConversation(t, svc, "alice", "bob")
	ctx := context.Background()

	_, _, err := svc.SendMessage(ctx, v1.SendMessageParams{Conversation: conv.ID, AgentID: "alice", Text: "open"})
	require.NoError(t, err)
	_, _, err = svc.SendTrace(ctx, v1.SendTraceParams{Conversation: conv.ID, AgentID: "alice", Kind: "thought", Text: "..."})
	require.NoError(t, err)

	sub, backlog, err := svc.Subscribe(ctx, v1.SubscribeParams{
		Conversation: conv.ID,
		Types:        []string{"message"},
	})
	require.NoError(t, err)
	defer svc.Unsubscribe(conv.ID, sub.ID)

	require.Len(t, backlog, 1)
	assert.Equal(t, models.EventMessage, backlog[0].Type)
}

func TestSnapshot(t *testing.T) {
	svc := newTestService(t, config.OrchestratorConfig{})
	conv := createTestConversation(t, svc, "alice", "bob")
	ctx := context.Background()

	_, _, err := svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID, AgentID: "alice", Finality: "turn", Text: "hi",
	})
	require.NoError(t, err)
	_, _, err = svc.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv.ID, AgentID: "bob", Text: "responding",
	})
	require.NoError(t, err)

	snapshot, err := svc.Snapshot(ctx, v1.GetConversationParams{Conversation: conv.ID})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, snapshot.Conversation.ID)
	assert.Len(t, snapshot.Events, 2)
	assert.Equal(t, 2, snapshot.LastTurn)
	assert.True(t, snapshot.HasOpenTurn)
	assert.Equal(t, snapshot.Events[0].Seq, snapshot.LastClosedSeq)
}

func TestCreateConversation_Validation(t *testing.T) {
	svc := newTestService(t, config.OrchestratorConfig{})
	ctx := context.Background()

	cases := []v1.CreateConversationParams{
		{Title: "empty"},
		{Title: "blank id", Metadata: v1.Metadata{Participants: []v1.Participant{{AgentID: ""}}}},
		{Title: "dup", Metadata: v1.Metadata{Participants: []v1.Participant{{AgentID: "a"}, {AgentID: "a"}}}},
		{Title: "bad start", Metadata: v1.Metadata{
			Participants:    []v1.Participant{{AgentID: "a"}},
			StartingAgentID: "ghost",
		}},
	}
	for _, params := range cases {
		_, err := svc.CreateConversation(ctx, params)
		require.Error(t, err, params.Title)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeValidation), params.Title)
	}
}
