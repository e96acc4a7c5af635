package client

import (
	"errors"
	"sync"

	v1 "github.com/confab/confab/pkg/api/v1"
)

// ErrStreamOverrun means the server dropped the subscription because
// this client fell too far behind. Resubscribe with sinceSeq to resume.
var ErrStreamOverrun = errors.New("subscription overrun; resubscribe with sinceSeq")

// StreamItem is one delivery on a stream: an event or a guidance prompt.
type StreamItem struct {
	Event    *v1.Event
	Guidance *v1.Guidance
}

// Stream is one live subscription. Items arrive in seq order but may
// repeat across a resubscribe; consumers skip seq values already seen.
type Stream struct {
	ID string

	items chan StreamItem
	done  chan struct{}

	once sync.Once
	err  error
}

func newStream(id string, buffer int) *Stream {
	return &Stream{
		ID:    id,
		items: make(chan StreamItem, buffer),
		done:  make(chan struct{}),
	}
}

// Items delivers events and guidance in order.
func (s *Stream) Items() <-chan StreamItem {
	return s.items
}

// Done is closed when the stream ends.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err reports why the stream ended, nil after a clean unsubscribe.
func (s *Stream) Err() error {
	return s.err
}

func (s *Stream) push(item StreamItem) {
	select {
	case s.items <- item:
	case <-s.done:
	}
}

func (s *Stream) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}
