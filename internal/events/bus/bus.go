// Package bus provides the in-process fanout of conversation log events and
// scheduling guidance to live subscribers.
//
// Delivery is at-least-once: after a reconnect with sinceSeq replay, a
// subscriber may see an event twice and deduplicates by seq. Within one
// subscription, events arrive in strictly increasing seq order as long as
// publishers serialize per conversation, which the orchestrator does.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/confab/confab/internal/common/logger"
	"github.com/confab/confab/internal/conversation/models"
	v1 "github.com/confab/confab/pkg/api/v1"
)

// Item is one delivery to a subscriber: exactly one of Event or Guidance
// is set.
type Item struct {
	Event    *models.Event
	Guidance *v1.Guidance
}

// Seq returns the ordering key of the item. Guidance sorts fractionally
// after the closing event that produced it.
func (it Item) Seq() float64 {
	if it.Event != nil {
		return float64(it.Event.Seq)
	}
	return it.Guidance.Seq
}

// OverrunPolicy controls what happens when a subscriber queue is full.
type OverrunPolicy int

const (
	// OverrunBlock applies backpressure: the publisher waits for queue
	// space. Appends to the affected conversation stall behind the slow
	// subscriber.
	OverrunBlock OverrunPolicy = iota

	// OverrunDrop disconnects the slow subscriber instead, failing its
	// subscription with ErrSubscriberOverrun.
	OverrunDrop
)

// ParseOverrunPolicy maps the config strings "block" and "drop".
func ParseOverrunPolicy(s string) OverrunPolicy {
	if s == "drop" {
		return OverrunDrop
	}
	return OverrunBlock
}

// Options configures a Bus.
type Options struct {
	// Buffer is the per-subscription queue depth (default 256).
	Buffer int
	Policy OverrunPolicy
}

// Bus fans events out to per-conversation subscriptions.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]map[string]*Subscription // conversation -> sub id -> sub
	opts   Options
	log    *logger.Logger
	closed bool
}

// New creates a Bus.
func New(opts Options, log *logger.Logger) *Bus {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	return &Bus{
		subs: make(map[int64]map[string]*Subscription),
		opts: opts,
		log:  log,
	}
}

// Filter narrows which events a subscription receives. Zero value admits
// everything.
type Filter struct {
	Types  []models.EventType
	Agents []string
}

func (f Filter) Admits(ev *models.Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if ev.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Agents) > 0 {
		ok := false
		for _, a := range f.Agents {
			if ev.AgentID == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Subscribe registers a live subscription for one conversation.
func (b *Bus) Subscribe(conversation int64, filter Filter, includeGuidance bool) *Subscription {
	sub := &Subscription{
		ID:              uuid.New().String(),
		Conversation:    conversation,
		filter:          filter,
		includeGuidance: includeGuidance,
		ch:              make(chan Item, b.opts.Buffer),
		done:            make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.fail(ErrBusClosed)
		return sub
	}
	byID, ok := b.subs[conversation]
	if !ok {
		byID = make(map[string]*Subscription)
		b.subs[conversation] = byID
	}
	byID[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and releases its consumer.
func (b *Bus) Unsubscribe(conversation int64, id string) {
	b.mu.Lock()
	sub := b.subs[conversation][id]
	if sub != nil {
		delete(b.subs[conversation], id)
		if len(b.subs[conversation]) == 0 {
			delete(b.subs, conversation)
		}
	}
	b.mu.Unlock()
	if sub != nil {
		sub.fail(nil)
	}
}

// PublishEvent delivers a committed log event to matching subscribers.
// Callers serialize publishes per conversation so subscribers observe seq
// order.
func (b *Bus) PublishEvent(ev *models.Event) {
	b.deliver(ev.Conversation, Item{Event: ev}, func(s *Subscription) bool {
		return s.filter.Admits(ev)
	})
}

// PublishGuidance delivers a scheduling prompt to subscribers that asked
// for guidance. Guidance is transient: it exists only in flight, never in
// the log.
func (b *Bus) PublishGuidance(g *v1.Guidance) {
	b.deliver(g.Conversation, Item{Guidance: g}, func(s *Subscription) bool {
		return s.includeGuidance
	})
}

func (b *Bus) deliver(conversation int64, item Item, match func(*Subscription) bool) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[conversation]))
	for _, sub := range b.subs[conversation] {
		if match(sub) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.send(sub, item)
	}
}

// overrunGrace is how long a full drop-policy queue gets to make room
// before the subscriber is cut loose. A consumer that is draining, just
// slowly, survives a momentary burst.
const overrunGrace = 100 * time.Millisecond

func (b *Bus) send(sub *Subscription, item Item) {
	select {
	case sub.ch <- item:
		return
	case <-sub.done:
		return
	default:
	}

	if b.opts.Policy == OverrunBlock {
		select {
		case sub.ch <- item:
		case <-sub.done:
		}
		return
	}

	timer := time.NewTimer(overrunGrace)
	defer timer.Stop()
	select {
	case sub.ch <- item:
	case <-sub.done:
	case <-timer.C:
		// Still full: cut the slow subscriber loose rather than stall
		// every other consumer of this conversation. The failure is
		// recorded before removal so the consumer observes the overrun.
		if b.log != nil {
			b.log.Warn("subscriber overrun, dropping subscription")
		}
		sub.fail(ErrSubscriberOverrun)
		b.Unsubscribe(sub.Conversation, sub.ID)
	}
}

// Close fails every subscription and rejects new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	all := make([]*Subscription, 0)
	for _, byID := range b.subs {
		for _, sub := range byID {
			all = append(all, sub)
		}
	}
	b.subs = make(map[int64]map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.fail(ErrBusClosed)
	}
}
