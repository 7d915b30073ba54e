package event

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// DefaultBuffer is the subscription buffer used when none is requested.
const DefaultBuffer = 64

// Sink delivers events to at most one subscriber. Emit never blocks: events
// published with no subscriber, or while the subscriber's buffer is full, are
// dropped.
type Sink struct {
	mu      sync.Mutex
	current *Subscription
	dropped uint64
}

// NewSink returns a sink with no subscriber.
func NewSink() *Sink {
	return &Sink{}
}

// Subscription is a live attachment to a Sink.
type Subscription struct {
	sink *Sink
	ch   chan Event
	once sync.Once
}

// Events returns the channel events arrive on. It is closed when the
// subscription is cancelled or replaced.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel detaches the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.sink.mu.Lock()
	defer s.sink.mu.Unlock()
	if s.sink.current == s {
		s.sink.current = nil
	}
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe attaches a new subscriber with the given buffer, replacing and
// closing any previous one.
func (k *Sink) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{sink: k, ch: make(chan Event, buffer)}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current != nil {
		k.current.closeLocked()
	}
	k.current = sub
	return sub
}

// Emit publishes e to the current subscriber, if any.
func (k *Sink) Emit(e Event) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == nil {
		return
	}
	select {
	case k.current.ch <- e:
	default:
		k.dropped++
		log.WithFields(log.Fields{"key": e.Key, "dropped": k.dropped}).Warn("[EVENT] subscriber buffer full")
	}
}

// Dropped returns how many events were discarded because the subscriber
// could not keep up.
func (k *Sink) Dropped() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dropped
}
