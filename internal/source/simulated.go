package source

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"codeberg.org/mutker/sensord/internal/errors"
	"codeberg.org/mutker/sensord/internal/logger"
	"codeberg.org/mutker/sensord/internal/registry"
)

const defaultRate = 1.0

type valueRange struct {
	min, max float64
	axes     int
}

// Plausible ranges: lux, m/s², cm, rad/s
var simulatedRanges = map[registry.StreamID]valueRange{
	registry.Light:         {min: 0, max: 1000, axes: 1},
	registry.Accelerometer: {min: -19.6, max: 19.6, axes: 3},
	registry.Proximity:     {min: 0, max: 5, axes: 1},
	registry.Gyroscope:     {min: -5, max: 5, axes: 3},
}

var fallbackRange = valueRange{min: 0, max: 100, axes: 1}

// Simulated emits random readings for every subscribed stream at a fixed rate
type Simulated struct {
	interval time.Duration
	logger   logger.Logger

	mu     sync.Mutex
	subs   map[registry.StreamID]*simSub
	closed bool
}

type simSub struct {
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Source = (*Simulated)(nil)

// NewSimulated creates a source producing rate readings per second per stream
func NewSimulated(rate float64) *Simulated {
	if rate <= 0 {
		rate = defaultRate
	}
	return &Simulated{
		interval: time.Duration(float64(time.Second) / rate),
		logger:   logger.Component("source.simulated"),
		subs:     make(map[registry.StreamID]*simSub),
	}
}

func (s *Simulated) Subscribe(ctx context.Context, id registry.StreamID) (<-chan Reading, error) {
	errFactory := errors.New()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errFactory.WithMessage(errors.ErrSourceUnavailable, "simulated source is closed")
	}
	if _, ok := s.subs[id]; ok {
		return nil, errFactory.WithData(errors.ErrInvalidOperation, struct {
			Phase  string
			Stream registry.StreamID
		}{
			Phase:  "already_subscribed",
			Stream: id,
		})
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &simSub{cancel: cancel, done: make(chan struct{})}
	s.subs[id] = sub

	ch := make(chan Reading, 1)
	go s.emit(subCtx, id, sub, ch)

	s.logger.Debug().
		Int("stream", int(id)).
		Dur("interval", s.interval).
		Msg("Simulated stream subscribed")

	return ch, nil
}

func (s *Simulated) emit(ctx context.Context, id registry.StreamID, sub *simSub, ch chan<- Reading) {
	defer close(sub.done)
	defer close(ch)
	defer s.release(id, sub)

	r, ok := simulatedRanges[id]
	if !ok {
		r = fallbackRange
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			values := make([]float64, r.axes)
			for i := range values {
				values[i] = r.min + rand.Float64()*(r.max-r.min)
			}
			select {
			case ch <- Reading{Values: values, At: now}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Simulated) release(id registry.StreamID, sub *simSub) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[id] == sub {
		delete(s.subs, id)
	}
}

// Unsubscribe stops the stream and waits for its goroutine. Unknown streams
// are ignored.
func (s *Simulated) Unsubscribe(id registry.StreamID) error {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()

	if !ok {
		return nil
	}

	sub.cancel()
	<-sub.done

	s.logger.Debug().Int("stream", int(id)).Msg("Simulated stream unsubscribed")
	return nil
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = make(map[registry.StreamID]*simSub)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return nil
}
