package integration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/confab/confab/pkg/api/v1"
	"github.com/confab/confab/pkg/client"
	"github.com/confab/confab/pkg/jsonrpc"
)

// wireCode extracts the stable error code from a JSON-RPC error.
func wireCode(t *testing.T, err error) string {
	t.Helper()
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	var data v1.ErrorData
	require.NoError(t, json.Unmarshal(rpcErr.Data, &data))
	return data.Code
}

// nextItem pulls one stream item or fails after a timeout.
func nextItem(t *testing.T, st *client.Stream) client.StreamItem {
	t.Helper()
	select {
	case item, ok := <-st.Items():
		require.True(t, ok, "stream closed: %v", st.Err())
		return item
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream item")
		return client.StreamItem{}
	}
}

func TestSendMessageOverWebSocket(t *testing.T) {
	ts := newTestServer(t, defaultTestConfig())
	c := ts.Dial(t)
	ctx := context.Background()

	conv := ts.CreateConversation(t, c, "alice", "bob")

	first, err := c.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv,
		AgentID:      "alice",
		Text:         "hello",
		Finality:     "none",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Turn)
	assert.Equal(t, 1, first.Event)
	assert.False(t, first.Replayed)

	second, err := c.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv,
		AgentID:      "alice",
		Text:         "that is all",
		Finality:     "turn",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Turn)
	assert.Equal(t, 2, second.Event)
	assert.Greater(t, second.Seq, first.Seq)

	events, err := c.GetEvents(ctx, v1.GetEventsParams{Conversation: conv})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "turn", events[1].Finality)
}

func TestSendTraceWithoutOpenTurnFailsOverWire(t *testing.T) {
	ts := newTestServer(t, defaultTestConfig())
	c := ts.Dial(t)

	conv := ts.CreateConversation(t, c, "alice", "bob")

	_, err := c.SendTrace(context.Background(), v1.SendTraceParams{
		Conversation: conv,
		AgentID:      "alice",
		Kind:         "thought",
		Text:         "thinking",
	})
	require.Error(t, err)
	assert.Equal(t, v1.CodeNoOpenTurn, wireCode(t, err))
}

func TestIdempotentReplayOverWire(t *testing.T) {
	ts := newTestServer(t, defaultTestConfig())
	c := ts.Dial(t)
	ctx := context.Background()

	conv := ts.CreateConversation(t, c, "alice", "bob")

	params := v1.SendMessageParams{
		Conversation:    conv,
		AgentID:         "alice",
		Text:            "exactly once",
		Finality:        "turn",
		ClientRequestID: "req-1",
	}
	first, err := c.SendMessage(ctx, params)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	replay, err := c.SendMessage(ctx, params)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Seq, replay.Seq)
	assert.Equal(t, first.Turn, replay.Turn)
	assert.Equal(t, first.Event, replay.Event)

	events, err := c.GetEvents(ctx, v1.GetEventsParams{Conversation: conv})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSubscribeReplayAndLive(t *testing.T) {
	ts := newTestServer(t, defaultTestConfig())
	c := ts.Dial(t)
	ctx := context.Background()

	conv := ts.CreateConversation(t, c, "alice", "bob")

	_, err := c.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv, AgentID: "alice", Text: "before subscribe", Finality: "turn",
	})
	require.NoError(t, err)

	st, err := c.Subscribe(ctx, v1.SubscribeParams{Conversation: conv})
	require.NoError(t, err)

	backlog := nextItem(t, st)
	require.NotNil(t, backlog.Event)
	assert.Equal(t, "before subscribe", textOf(t, backlog.Event))

	_, err = c.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv, AgentID: "bob", Text: "after subscribe", Finality: "turn",
	})
	require.NoError(t, err)

	live := nextItem(t, st)
	require.NotNil(t, live.Event)
	assert.Equal(t, "after subscribe", textOf(t, live.Event))
	assert.Greater(t, live.Event.Seq, backlog.Event.Seq)

	require.NoError(t, c.Unsubscribe(ctx, st))
}

func TestReconnectResumesFromSinceSeq(t *testing.T) {
	ts := newTestServer(t, defaultTestConfig())
	ctx := context.Background()

	c1 := ts.Dial(t)
	conv := ts.CreateConversation(t, c1, "alice", "bob")

	var lastSeq int64
	for _, text := range []string{"one", "two", "three"} {
		res, err := c1.SendMessage(ctx, v1.SendMessageParams{
			Conversation: conv, AgentID: "alice", Text: text, Finality: "turn",
		})
		require.NoError(t, err)
		lastSeq = res.Seq
	}
	require.NoError(t, c1.Close())

	// A fresh connection resumes past what it already saw.
	c2 := ts.Dial(t)
	st, err := c2.Subscribe(ctx, v1.SubscribeParams{Conversation: conv, SinceSeq: lastSeq - 1})
	require.NoError(t, err)

	item := nextItem(t, st)
	require.NotNil(t, item.Event)
	assert.Equal(t, lastSeq, item.Event.Seq)
	assert.Equal(t, "three", textOf(t, item.Event))

	_, err = c2.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv, AgentID: "bob", Text: "four", Finality: "turn",
	})
	require.NoError(t, err)
	item = nextItem(t, st)
	require.NotNil(t, item.Event)
	assert.Equal(t, "four", textOf(t, item.Event))
}

func TestGuidanceDeliveredToSubscriber(t *testing.T) {
	ts := newTestServer(t, defaultTestConfig())
	c := ts.Dial(t)
	ctx := context.Background()

	conv := ts.CreateConversation(t, c, "alice", "bob")

	st, err := c.Subscribe(ctx, v1.SubscribeParams{Conversation: conv, IncludeGuidance: true})
	require.NoError(t, err)

	res, err := c.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv, AgentID: "alice", Text: "your move", Finality: "turn",
	})
	require.NoError(t, err)

	// Event first, then the guidance that points at bob.
	item := nextItem(t, st)
	require.NotNil(t, item.Event)
	item = nextItem(t, st)
	require.NotNil(t, item.Guidance)
	assert.Equal(t, "bob", item.Guidance.NextAgentID)
	assert.Greater(t, item.Guidance.Seq, float64(res.Seq))
	assert.Less(t, item.Guidance.Seq, float64(res.Seq+1))
}

func TestClaimTurnOverWire(t *testing.T) {
	ts := newTestServer(t, defaultTestConfig())
	c := ts.Dial(t)
	ctx := context.Background()

	conv := ts.CreateConversation(t, c, "alice", "bob")

	res, err := c.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv, AgentID: "alice", Text: "over to you", Finality: "turn",
	})
	require.NoError(t, err)
	guidanceSeq := float64(res.Seq) + 0.1

	claim, err := c.ClaimTurn(ctx, v1.ClaimTurnParams{
		Conversation: conv, AgentID: "bob", GuidanceSeq: guidanceSeq,
	})
	require.NoError(t, err)
	assert.True(t, claim.OK)

	contended, err := c.ClaimTurn(ctx, v1.ClaimTurnParams{
		Conversation: conv, AgentID: "alice", GuidanceSeq: guidanceSeq,
	})
	require.NoError(t, err)
	assert.False(t, contended.OK)
	assert.Equal(t, "bob", contended.Holder)
}

func TestConversationFinalityClosesFollowUps(t *testing.T) {
	ts := newTestServer(t, defaultTestConfig())
	c := ts.Dial(t)
	ctx := context.Background()

	conv := ts.CreateConversation(t, c, "alice", "bob")

	_, err := c.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv, AgentID: "alice", Text: "done", Finality: "conversation",
		Outcome: &v1.Outcome{Status: "done"},
	})
	require.NoError(t, err)

	_, err = c.SendMessage(ctx, v1.SendMessageParams{
		Conversation: conv, AgentID: "bob", Text: "too late", Finality: "none",
	})
	require.Error(t, err)
	assert.Equal(t, v1.CodeConversationClosed, wireCode(t, err))
}

func TestRunToCompletionWithEchoAgents(t *testing.T) {
	ts := newTestServer(t, defaultTestConfig())
	c := ts.Dial(t)
	ctx := context.Background()

	conv, err := c.CreateConversation(ctx, v1.CreateConversationParams{
		Title: "echo pair",
		Metadata: v1.Metadata{
			Participants: []v1.Participant{
				{AgentID: "ping", Kind: v1.ParticipantInternal, AgentClass: "echo",
					Config: json.RawMessage(`{"maxTurns":2}`)},
				{AgentID: "pong", Kind: v1.ParticipantInternal, AgentClass: "echo"},
			},
			StartingAgentID: "ping",
		},
	})
	require.NoError(t, err)

	result, err := c.RunToCompletion(ctx, v1.RunToCompletionParams{
		Conversation: conv.ID,
		TimeoutMs:    30000,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Outcome)
	assert.Equal(t, "done", result.Outcome.Status)

	events, err := c.GetEvents(ctx, v1.GetEventsParams{Conversation: conv.ID})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "conversation", events[len(events)-1].Finality)
	assert.Equal(t, result.LastSeq, events[len(events)-1].Seq)
}

func TestSnapshotIncludesScenario(t *testing.T) {
	ts := newTestServer(t, defaultTestConfig())
	c := ts.Dial(t)
	ctx := context.Background()

	_, err := ts.ScenarioStore.Put(ctx, &v1.Scenario{
		Ref:      "debate/v1",
		Title:    "Structured debate",
		Document: json.RawMessage(`{"rounds":3}`),
	})
	require.NoError(t, err)

	conv, err := c.CreateConversation(ctx, v1.CreateConversationParams{
		Title:       "with scenario",
		ScenarioRef: "debate/v1",
		Metadata: v1.Metadata{Participants: []v1.Participant{
			{AgentID: "alice", Kind: v1.ParticipantExternal},
			{AgentID: "bob", Kind: v1.ParticipantExternal},
		}},
	})
	require.NoError(t, err)

	snapshot, err := c.GetConversation(ctx, v1.GetConversationParams{
		Conversation:    conv.ID,
		IncludeScenario: true,
	})
	require.NoError(t, err)
	require.NotNil(t, snapshot.Scenario)
	assert.Equal(t, "Structured debate", snapshot.Scenario.Title)

	bare, err := c.GetConversation(ctx, v1.GetConversationParams{Conversation: conv.ID})
	require.NoError(t, err)
	assert.Nil(t, bare.Scenario)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	ts := newTestServer(t, defaultTestConfig())
	c := ts.Dial(t)

	err := c.Call(context.Background(), "noSuchMethod", nil, nil)
	require.Error(t, err)
	var rpcErr *jsonrpc.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, jsonrpc.MethodNotFound, rpcErr.Code)
}

func textOf(t *testing.T, ev *v1.Event) string {
	t.Helper()
	var payload v1.MessagePayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	return payload.Text
}
