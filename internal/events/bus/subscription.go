package bus

import (
	"errors"
	"sync"
)

// ErrSubscriberOverrun marks a subscription dropped because its queue
// overflowed under the drop policy.
var ErrSubscriberOverrun = errors.New("subscriber overrun")

// ErrBusClosed marks a subscription terminated by bus shutdown.
var ErrBusClosed = errors.New("event bus closed")

// Subscription is one consumer's bounded queue of conversation items.
//
// Consumers select on Items and Done. After Done is closed, Err reports why
// the subscription ended: nil for a plain unsubscribe, ErrSubscriberOverrun
// when the queue overflowed, ErrBusClosed on shutdown. Items buffered at
// failure time are not flushed.
type Subscription struct {
	ID              string
	Conversation    int64
	filter          Filter
	includeGuidance bool

	ch   chan Item
	done chan struct{}

	failOnce sync.Once
	err      error
}

// Items is the delivery channel.
func (s *Subscription) Items() <-chan Item {
	return s.ch
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the subscription ended, if any. Valid after Done
// is closed.
func (s *Subscription) Err() error {
	return s.err
}

func (s *Subscription) fail(err error) {
	s.failOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}
