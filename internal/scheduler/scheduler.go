package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/sensord/internal/errors"
	"codeberg.org/mutker/sensord/internal/logger"
	"codeberg.org/mutker/sensord/internal/registry"
	"codeberg.org/mutker/sensord/internal/samples"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultWorkers  = 2
)

// Registry is the read side of the stream registry used for persistence
type Registry interface {
	Active() []registry.Stream
	Get(id registry.StreamID) (registry.Stream, error)
}

// Appender persists one sample
type Appender interface {
	Append(ctx context.Context, streamID int, value float64, ts time.Time) (samples.Sample, error)
}

type Config struct {
	Interval time.Duration
	Workers  int

	// Clock defaults to time.Now
	Clock func() time.Time
}

// BatchResult summarizes one batch tick
type BatchResult struct {
	At      time.Time
	Written int
	Skipped int
	Failed  int
}

// Scheduler snapshots the latest value of every active stream at a fixed
// interval and appends it to the sample store.
type Scheduler struct {
	reg    Registry
	store  Appender
	cfg    Config
	logger logger.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	// pending holds streams activated before they had a value. The first
	// value recorded for one of them is flushed by OnValue.
	pendingMu sync.Mutex
	pending   map[registry.StreamID]struct{}
}

func New(reg Registry, store Appender, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Scheduler{
		reg:     reg,
		store:   store,
		cfg:     cfg,
		logger:  logger.Component("scheduler"),
		pending: make(map[registry.StreamID]struct{}),
	}
}

// Run writes one batch immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New().WithMessage(errors.ErrInvalidOperation, "scheduler already running")
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Int("workers", s.cfg.Workers).
		Msg("Persistence scheduler started")

	s.Tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Msg("Scheduler context cancelled")
			return nil
		case <-stop:
			s.logger.Debug().Msg("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop ends Run and waits for it to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stop, done := s.stop, s.done
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	<-done
}

func (s *Scheduler) now() time.Time {
	return s.cfg.Clock().UTC().Truncate(time.Second)
}

// Tick runs one batch. Every write in the batch shares one timestamp and a
// failed write never stops the others.
func (s *Scheduler) Tick(ctx context.Context) BatchResult {
	at := s.now()
	active := s.reg.Active()

	var (
		written atomic.Int64
		failed  atomic.Int64
		skipped int
	)

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)

	for _, st := range active {
		if st.Latest == nil {
			skipped++
			continue
		}

		id, value := st.ID, *st.Latest
		g.Go(func() error {
			if _, err := s.store.Append(ctx, int(id), value, at); err != nil {
				failed.Add(1)
				s.logger.Warn().
					Err(err).
					Int("stream", int(id)).
					Msg("Failed to persist sample, will retry at next tick")
				return nil
			}
			written.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res := BatchResult{
		At:      at,
		Written: int(written.Load()),
		Skipped: skipped,
		Failed:  int(failed.Load()),
	}

	s.logger.Debug().
		Time("at", at).
		Int("written", res.Written).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("Batch tick complete")

	return res
}

// FlushStream persists the latest value of one stream now. A stream without a
// value is marked pending and flushed by OnValue once its first value arrives.
func (s *Scheduler) FlushStream(ctx context.Context, id registry.StreamID) error {
	s.markPending(id)

	st, err := s.reg.Get(id)
	if err != nil {
		s.claimPending(id)
		return err
	}
	if st.Latest == nil {
		s.logger.Debug().Int("stream", int(id)).Msg("No value yet, flush deferred to first reading")
		return nil
	}
	if !s.claimPending(id) {
		// OnValue got there first
		return nil
	}

	return s.flush(ctx, id, *st.Latest)
}

func (s *Scheduler) flush(ctx context.Context, id registry.StreamID, value float64) error {
	sample, err := s.store.Append(ctx, int(id), value, s.now())
	if err != nil {
		return err
	}

	s.logger.Debug().
		Int("stream", int(id)).
		Int64("sample", sample.ID).
		Msg("Flushed stream on activation")
	return nil
}

func (s *Scheduler) markPending(id registry.StreamID) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	s.pending[id] = struct{}{}
}

// claimPending reports whether id was pending and clears it
func (s *Scheduler) claimPending(id registry.StreamID) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

// Pending reports whether an activation flush is still waiting for a value
func (s *Scheduler) Pending(id registry.StreamID) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	_, ok := s.pending[id]
	return ok
}

// OnActivation flushes a stream when it becomes active and drops a pending
// flush when it is deactivated. It is meant to be registered as a registry
// activation hook.
func (s *Scheduler) OnActivation(ctx context.Context, st registry.Stream, activated bool) error {
	if !activated {
		s.claimPending(st.ID)
		return nil
	}
	return s.FlushStream(ctx, st.ID)
}

// OnValue completes a deferred activation flush. It is meant to be registered
// as a registry value hook and runs on the goroutine that recorded the value.
func (s *Scheduler) OnValue(st registry.Stream) {
	if !st.Active || st.Latest == nil {
		return
	}
	if !s.claimPending(st.ID) {
		return
	}

	if err := s.flush(context.Background(), st.ID, *st.Latest); err != nil {
		s.logger.Warn().
			Err(err).
			Int("stream", int(st.ID)).
			Msg("Failed to persist first sample after activation")
	}
}
