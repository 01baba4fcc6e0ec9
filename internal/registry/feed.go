package registry

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const defaultFeedBuffer = 64

// Subscription is one independent listener on the registry event feed
type Subscription struct {
	ID      uuid.UUID
	ch      chan Event
	reg     *Registry
	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded because the buffer was full
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.reg.subsMu.Lock()
		delete(s.reg.subs, s.ID)
		close(s.ch)
		s.reg.subsMu.Unlock()
	})
}

// Subscribe attaches a new listener. A subscriber that falls behind loses
// events instead of blocking the registry.
func (r *Registry) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}

	sub := &Subscription{
		ID:  uuid.New(),
		ch:  make(chan Event, buffer),
		reg: r,
	}

	r.subsMu.Lock()
	r.subs[sub.ID] = sub
	r.subsMu.Unlock()

	r.logger.Debug().
		Str("subscription", sub.ID.String()).
		Int("buffer", buffer).
		Msg("Feed subscriber attached")

	return sub
}

func (r *Registry) publish(ev Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	for id, sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			n := sub.dropped.Add(1)
			r.logger.Debug().
				Str("subscription", id.String()).
				Int("stream", int(ev.StreamID)).
				Str("field", string(ev.Field)).
				Uint64("dropped", n).
				Msg("Feed subscriber is behind, event dropped")
		}
	}
}
