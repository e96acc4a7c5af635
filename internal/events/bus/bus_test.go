package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confab/confab/internal/conversation/models"
	v1 "github.com/confab/confab/pkg/api/v1"
)

func testEvent(conversation, seq int64, typ models.EventType, agent string) *models.Event {
	return &models.Event{
		Seq:          seq,
		Conversation: conversation,
		Turn:         1,
		Event:        int(seq),
		Type:         typ,
		AgentID:      agent,
		TS:           time.Now().UTC(),
	}
}

func collect(t *testing.T, sub *Subscription, n int) []Item {
	t.Helper()
	items := make([]Item, 0, n)
	for len(items) < n {
		select {
		case item := <-sub.Items():
			items = append(items, item)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d items", len(items), n)
		}
	}
	return items
}

func TestBus_FanoutInOrder(t *testing.T) {
	b := New(Options{}, nil)
	defer b.Close()

	subA := b.Subscribe(1, Filter{}, false)
	subB := b.Subscribe(1, Filter{}, false)

	for seq := int64(1); seq <= 5; seq++ {
		b.PublishEvent(testEvent(1, seq, models.EventMessage, "alice"))
	}

	for _, sub := range []*Subscription{subA, subB} {
		items := collect(t, sub, 5)
		for i, item := range items {
			require.NotNil(t, item.Event)
			assert.Equal(t, int64(i+1), item.Event.Seq)
		}
	}
}

func TestBus_ConversationIsolation(t *testing.T) {
	b := New(Options{}, nil)
	defer b.Close()

	sub := b.Subscribe(1, Filter{}, false)
	b.PublishEvent(testEvent(2, 1, models.EventMessage, "alice"))
	b.PublishEvent(testEvent(1, 2, models.EventMessage, "bob"))

	items := collect(t, sub, 1)
	assert.Equal(t, int64(2), items[0].Event.Seq)
	select {
	case item := <-sub.Items():
		t.Fatalf("unexpected delivery: %+v", item)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_Filters(t *testing.T) {
	b := New(Options{}, nil)
	defer b.Close()

	typed := b.Subscribe(1, Filter{Types: []models.EventType{models.EventMessage}}, false)
	byAgent := b.Subscribe(1, Filter{Agents: []string{"bob"}}, false)

	b.PublishEvent(testEvent(1, 1, models.EventTrace, "alice"))
	b.PublishEvent(testEvent(1, 2, models.EventMessage, "bob"))

	items := collect(t, typed, 1)
	assert.Equal(t, models.EventMessage, items[0].Event.Type)

	items = collect(t, byAgent, 1)
	assert.Equal(t, "bob", items[0].Event.AgentID)
}

func TestBus_GuidanceDelivery(t *testing.T) {
	b := New(Options{}, nil)
	defer b.Close()

	plain := b.Subscribe(1, Filter{}, false)
	guided := b.Subscribe(1, Filter{}, true)

	closing := testEvent(1, 7, models.EventMessage, "alice")
	closing.Finality = models.FinalityTurn
	b.PublishEvent(closing)
	b.PublishGuidance(&v1.Guidance{Conversation: 1, Seq: 7.1, NextAgentID: "bob", DeadlineMs: 30000})

	items := collect(t, guided, 2)
	require.NotNil(t, items[0].Event)
	require.NotNil(t, items[1].Guidance)
	// Guidance sorts directly after the closing event.
	assert.Less(t, items[0].Seq(), items[1].Seq())
	assert.Equal(t, int64(7), int64(items[1].Guidance.Seq))
	assert.Equal(t, "bob", items[1].Guidance.NextAgentID)

	items = collect(t, plain, 1)
	require.NotNil(t, items[0].Event)
	select {
	case item := <-plain.Items():
		t.Fatalf("guidance leaked to plain subscription: %+v", item)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(Options{}, nil)
	defer b.Close()

	sub := b.Subscribe(1, Filter{}, false)
	b.Unsubscribe(1, sub.ID)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after unsubscribe")
	}
	assert.NoError(t, sub.Err())

	// Publishing after unsubscribe neither blocks nor panics.
	b.PublishEvent(testEvent(1, 1, models.EventMessage, "alice"))
}

func TestBus_OverrunDropsSlowSubscriber(t *testing.T) {
	b := New(Options{Buffer: 2, Policy: OverrunDrop}, nil)
	defer b.Close()

	slow := b.Subscribe(1, Filter{}, false)
	healthy := b.Subscribe(1, Filter{}, false)
	go func() {
		for {
			select {
			case <-healthy.Items():
			case <-healthy.Done():
				return
			}
		}
	}()

	for seq := int64(1); seq <= 10; seq++ {
		b.PublishEvent(testEvent(1, seq, models.EventMessage, "alice"))
	}

	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber not dropped")
	}
	assert.ErrorIs(t, slow.Err(), ErrSubscriberOverrun)

	select {
	case <-healthy.Done():
		t.Fatal("healthy subscriber dropped")
	default:
	}
}

func TestBus_DropPolicyToleratesSlowDrain(t *testing.T) {
	b := New(Options{Buffer: 1, Policy: OverrunDrop}, nil)
	defer b.Close()

	// The consumer keeps up, just not instantly: each item takes a beat
	// to drain, so the queue is momentarily full between publishes.
	sub := b.Subscribe(1, Filter{}, false)
	got := make(chan Item, 8)
	go func() {
		for {
			select {
			case item := <-sub.Items():
				time.Sleep(20 * time.Millisecond)
				got <- item
			case <-sub.Done():
				return
			}
		}
	}()

	for seq := int64(1); seq <= 4; seq++ {
		b.PublishEvent(testEvent(1, seq, models.EventMessage, "alice"))
	}

	for seq := int64(1); seq <= 4; seq++ {
		select {
		case item := <-got:
			assert.Equal(t, seq, item.Event.Seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("item %d not delivered", seq)
		}
	}
	assert.NoError(t, sub.Err())
}

func TestBus_BlockPolicyAppliesBackpressure(t *testing.T) {
	b := New(Options{Buffer: 1, Policy: OverrunBlock}, nil)
	defer b.Close()

	sub := b.Subscribe(1, Filter{}, false)

	published := make(chan struct{})
	go func() {
		for seq := int64(1); seq <= 3; seq++ {
			b.PublishEvent(testEvent(1, seq, models.EventMessage, "alice"))
		}
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publisher did not block on full queue")
	case <-time.After(100 * time.Millisecond):
	}

	items := collect(t, sub, 3)
	assert.Equal(t, int64(3), items[2].Event.Seq)
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after drain")
	}
}

func TestBus_Close(t *testing.T) {
	b := New(Options{}, nil)
	sub := b.Subscribe(1, Filter{}, false)
	b.Close()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed on shutdown")
	}
	assert.ErrorIs(t, sub.Err(), ErrBusClosed)

	late := b.Subscribe(1, Filter{}, false)
	assert.ErrorIs(t, late.Err(), ErrBusClosed)
}
