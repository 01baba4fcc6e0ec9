package registry

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/sensord/internal/errors"
	"codeberg.org/mutker/sensord/internal/logger"
	"codeberg.org/mutker/sensord/internal/prefs"
	"github.com/google/uuid"
)

// ActivationHook runs synchronously after a stream's active flag changed.
// Errors are logged and never undo the change.
type ActivationHook func(ctx context.Context, s Stream, activated bool) error

// ValueHook runs synchronously after a value was recorded. It must not block.
type ValueHook func(s Stream)

type Option func(*Registry)

// WithClock replaces the time source used for value timestamps
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func WithLogger(log logger.Logger) Option {
	return func(r *Registry) {
		r.logger = log
	}
}

// Registry owns the known streams and their state. Callers only ever see
// copies.
type Registry struct {
	mu      sync.RWMutex
	streams map[StreamID]*Stream
	order   []StreamID
	hooks   []ActivationHook

	valueHooks []ValueHook

	// toggleMu serializes SetActive so hooks of one toggle finish before the next
	toggleMu sync.Mutex

	subsMu sync.Mutex
	subs   map[uuid.UUID]*Subscription

	store  prefs.Store
	now    func() time.Time
	logger logger.Logger
}

// New registers defs in order and seeds each active flag from store. A read
// failure for one key is logged and that stream starts inactive.
func New(ctx context.Context, defs []Definition, store prefs.Store, opts ...Option) (*Registry, error) {
	errFactory := errors.New()

	if len(defs) == 0 {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "no streams defined")
	}

	r := &Registry{
		streams: make(map[StreamID]*Stream, len(defs)),
		order:   make([]StreamID, 0, len(defs)),
		subs:    make(map[uuid.UUID]*Subscription),
		store:   store,
		now:     time.Now,
		logger:  logger.Component("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, def := range defs {
		if _, dup := r.streams[def.ID]; dup {
			return nil, errFactory.WithData(errors.ErrInvalidArgument, struct {
				Phase  string
				Stream StreamID
			}{
				Phase:  "duplicate_stream",
				Stream: def.ID,
			})
		}

		active, ok, err := store.Get(ctx, Key(def.ID))
		if err != nil {
			r.logger.Warn().
				Err(err).
				Int("stream", int(def.ID)).
				Msg("Failed to read activation state, defaulting to inactive")
			active = false
		} else if !ok {
			active = false
		}

		r.streams[def.ID] = &Stream{ID: def.ID, Name: def.Name, Active: active}
		r.order = append(r.order, def.ID)

		r.logger.Debug().
			Int("stream", int(def.ID)).
			Str("name", def.Name).
			Bool("active", active).
			Msg("Stream registered")
	}

	return r, nil
}

// OnActivation registers a hook. Hooks run in registration order.
func (r *Registry) OnActivation(hook ActivationHook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks = append(r.hooks, hook)
}

// OnValue registers a hook that sees every recorded value
func (r *Registry) OnValue(hook ValueHook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.valueHooks = append(r.valueHooks, hook)
}

func (r *Registry) Lookup(id StreamID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.streams[id]
	return ok
}

// List returns every stream in registration order
func (r *Registry) List() []Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stream, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.streams[id].snapshot())
	}
	return out
}

// Active returns the active streams in registration order
func (r *Registry) Active() []Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stream, 0, len(r.order))
	for _, id := range r.order {
		if s := r.streams[id]; s.Active {
			out = append(out, s.snapshot())
		}
	}
	return out
}

func (r *Registry) Get(id StreamID) (Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[id]
	if !ok {
		return Stream{}, unknownStream(id)
	}
	return s.snapshot(), nil
}

// SetActive persists the flag first and only then applies it. When the flag
// actually changed an event is published and the activation hooks run before
// SetActive returns.
func (r *Registry) SetActive(ctx context.Context, id StreamID, active bool) error {
	if !r.Lookup(id) {
		return unknownStream(id)
	}

	r.toggleMu.Lock()
	defer r.toggleMu.Unlock()

	if err := r.store.Set(ctx, Key(id), active); err != nil {
		r.logger.Error().
			Err(err).
			Int("stream", int(id)).
			Bool("active", active).
			Msg("Failed to persist activation state")
		return errors.New().Wrap(errors.ErrStorageIO, err)
	}

	r.mu.Lock()
	s := r.streams[id]
	changed := s.Active != active
	s.Active = active
	snap := s.snapshot()
	hooks := append([]ActivationHook(nil), r.hooks...)
	r.mu.Unlock()

	if !changed {
		return nil
	}

	r.logger.Info().
		Int("stream", int(id)).
		Str("name", snap.Name).
		Bool("active", active).
		Msg("Stream activation changed")

	r.publish(Event{
		StreamID: id,
		Name:     snap.Name,
		Field:    FieldActive,
		Active:   active,
		At:       r.now(),
	})

	for _, hook := range hooks {
		if err := hook(ctx, snap, active); err != nil {
			r.logger.Warn().
				Err(err).
				Int("stream", int(id)).
				Bool("active", active).
				Msg("Activation hook failed")
		}
	}

	return nil
}

// RecordValue stores the latest value for a stream, active or not. Value hooks
// run on the caller's goroutine after the event is published.
func (r *Registry) RecordValue(id StreamID, value float64) error {
	r.mu.Lock()
	s, ok := r.streams[id]
	if !ok {
		r.mu.Unlock()
		return unknownStream(id)
	}
	at := r.now()
	v := value
	s.Latest = &v
	s.UpdatedAt = &at
	snap := s.snapshot()
	hooks := append([]ValueHook(nil), r.valueHooks...)
	r.mu.Unlock()

	r.publish(Event{
		StreamID: id,
		Name:     snap.Name,
		Field:    FieldValue,
		Active:   snap.Active,
		Value:    value,
		At:       at,
	})

	for _, hook := range hooks {
		hook(snap)
	}

	return nil
}

// LatestValue returns ok=false when no value has been recorded yet
func (r *Registry) LatestValue(id StreamID) (float64, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[id]
	if !ok {
		return 0, false, unknownStream(id)
	}
	if s.Latest == nil {
		return 0, false, nil
	}
	return *s.Latest, true, nil
}

func unknownStream(id StreamID) error {
	return errors.New().WithData(errors.ErrUnknownStream, struct {
		Stream StreamID
	}{
		Stream: id,
	})
}
