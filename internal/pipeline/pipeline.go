package pipeline

import (
	"context"
	"sync"

	"codeberg.org/mutker/sensord/internal/errors"
	"codeberg.org/mutker/sensord/internal/logger"
	"codeberg.org/mutker/sensord/internal/registry"
	"codeberg.org/mutker/sensord/internal/source"
)

// Registry is the part of the stream registry the pipeline drives
type Registry interface {
	Active() []registry.Stream
	RecordValue(id registry.StreamID, value float64) error
	SetActive(ctx context.Context, id registry.StreamID, active bool) error
	OnActivation(hook registry.ActivationHook)
}

// Pipeline keeps exactly one source subscription per active stream and
// forwards readings into the registry.
type Pipeline struct {
	reg    Registry
	src    source.Source
	logger logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	subs    map[registry.StreamID]*subscription
	started bool
	stopped bool
	degrade sync.WaitGroup
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(reg Registry, src source.Source) *Pipeline {
	return &Pipeline{
		reg:    reg,
		src:    src,
		logger: logger.Component("pipeline"),
		subs:   make(map[registry.StreamID]*subscription),
	}
}

// Start subscribes every stream active at startup and follows activation
// changes from then on.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New().WithMessage(errors.ErrInvalidOperation, "pipeline already started")
	}
	p.started = true
	p.ctx = ctx
	p.mu.Unlock()

	p.reg.OnActivation(p.onActivation)

	for _, s := range p.reg.Active() {
		if err := p.subscribe(s.ID); err != nil {
			p.logger.Warn().
				Err(err).
				Int("stream", int(s.ID)).
				Msg("Failed to subscribe stream at startup")
			p.degradeAsync(s.ID, nil)
		}
	}

	p.mu.Lock()
	n := len(p.subs)
	p.mu.Unlock()

	p.logger.Info().Int("streams", n).Msg("Ingestion pipeline started")
	return nil
}

func (p *Pipeline) onActivation(_ context.Context, s registry.Stream, activated bool) error {
	if activated {
		if err := p.subscribe(s.ID); err != nil {
			p.degradeAsync(s.ID, nil)
			return err
		}
		return nil
	}
	p.unsubscribe(s.ID)
	return nil
}

func (p *Pipeline) subscribe(id registry.StreamID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return errors.New().WithMessage(errors.ErrInvalidOperation, "pipeline stopped")
	}
	if _, ok := p.subs[id]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(p.ctx)
	ch, err := p.src.Subscribe(ctx, id)
	if err != nil {
		cancel()
		return errors.New().Wrap(errors.ErrSourceUnavailable, err)
	}

	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	p.subs[id] = sub
	go p.forward(ctx, id, sub, ch)

	p.logger.Debug().Int("stream", int(id)).Msg("Stream subscribed")
	return nil
}

// forward applies readings in arrival order until the subscription ends. An
// end not caused by cancellation degrades the stream.
func (p *Pipeline) forward(ctx context.Context, id registry.StreamID, sub *subscription, ch <-chan source.Reading) {
	defer close(sub.done)

	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					p.logger.Warn().Int("stream", int(id)).Msg("Source closed the stream unexpectedly")
					p.degradeAsync(id, sub)
				}
				return
			}
			if r.Err != nil {
				p.logger.Warn().Err(r.Err).Int("stream", int(id)).Msg("Source reported an error")
				p.degradeAsync(id, sub)
				return
			}
			if len(r.Values) == 0 {
				p.logger.Debug().Int("stream", int(id)).Msg("Ignoring empty reading")
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if err := p.reg.RecordValue(id, r.Values[0]); err != nil {
				p.logger.Warn().Err(err).Int("stream", int(id)).Msg("Failed to record value")
			}
		}
	}
}

// degradeAsync deactivates a failed stream. It runs on its own goroutine since
// SetActive calls back into the pipeline and waits for forward to exit. A nil
// sub means the subscription never came up.
func (p *Pipeline) degradeAsync(id registry.StreamID, sub *subscription) {
	p.degrade.Add(1)
	go func() {
		defer p.degrade.Done()

		if sub != nil {
			<-sub.done
		}

		p.mu.Lock()
		if p.stopped || p.ctx.Err() != nil {
			p.mu.Unlock()
			return
		}
		if sub != nil {
			if p.subs[id] != sub {
				// Replaced by a newer subscription
				p.mu.Unlock()
				return
			}
			delete(p.subs, id)
		}
		p.mu.Unlock()

		if err := p.src.Unsubscribe(id); err != nil {
			p.logger.Debug().Err(err).Int("stream", int(id)).Msg("Unsubscribe after failure")
		}

		p.logger.Warn().Int("stream", int(id)).Msg("Stream degraded to inactive")
		if err := p.reg.SetActive(p.ctx, id, false); err != nil {
			p.logger.Error().Err(err).Int("stream", int(id)).Msg("Failed to deactivate degraded stream")
		}
	}()
}

// unsubscribe tears the stream down and returns once its goroutine exited
func (p *Pipeline) unsubscribe(id registry.StreamID) {
	p.mu.Lock()
	sub, ok := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()

	if !ok {
		return
	}

	sub.cancel()
	if err := p.src.Unsubscribe(id); err != nil {
		p.logger.Warn().Err(err).Int("stream", int(id)).Msg("Failed to unsubscribe stream")
	}
	<-sub.done

	p.logger.Debug().Int("stream", int(id)).Msg("Stream unsubscribed")
}

// Running reports whether a subscription is currently held for id
func (p *Pipeline) Running(id registry.StreamID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.subs[id]
	return ok
}

// Stop releases every subscription and waits for all goroutines
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	subs := p.subs
	p.subs = make(map[registry.StreamID]*subscription)
	p.mu.Unlock()

	for id, sub := range subs {
		sub.cancel()
		if err := p.src.Unsubscribe(id); err != nil {
			p.logger.Debug().Err(err).Int("stream", int(id)).Msg("Failed to unsubscribe stream")
		}
		<-sub.done
	}
	p.degrade.Wait()

	p.logger.Info().Msg("Ingestion pipeline stopped")
}
