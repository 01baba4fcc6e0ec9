package presence

import (
	"context"
	"sync"

	"codeberg.org/mutker/sensord/internal/logger"
	"codeberg.org/mutker/sensord/internal/registry"
)

const feedBuffer = 32

// Feed is the registry surface the notifier listens on
type Feed interface {
	Subscribe(buffer int) *registry.Subscription
	Active() []registry.Stream
}

// Notice describes what is being recorded right now
type Notice struct {
	Title      string            `json:"title"`
	StreamID   registry.StreamID `json:"stream_id"`
	StreamName string            `json:"stream_name"`
	Value      float64           `json:"value"`
	HasValue   bool              `json:"has_value"`
}

// Notifier follows the registry feed and keeps a notice for the most recently
// changed active stream.
type Notifier struct {
	feed   Feed
	logger logger.Logger

	mu      sync.RWMutex
	current Notice
	has     bool

	sub  *registry.Subscription
	done chan struct{}
}

func New(feed Feed) *Notifier {
	return &Notifier{
		feed:   feed,
		logger: logger.Component("presence"),
	}
}

// Start seeds the notice from the active streams and follows the feed until
// ctx is cancelled or Stop is called.
func (n *Notifier) Start(ctx context.Context) {
	n.sub = n.feed.Subscribe(feedBuffer)
	n.done = make(chan struct{})

	n.reselect()

	go func() {
		defer close(n.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-n.sub.Events():
				if !ok {
					return
				}
				n.handle(ev)
			}
		}
	}()
}

func (n *Notifier) Stop() {
	if n.sub == nil {
		return
	}
	n.sub.Close()
	<-n.done
}

// Current returns the notice, ok=false when no stream is active
func (n *Notifier) Current() (Notice, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.current, n.has
}

func (n *Notifier) handle(ev registry.Event) {
	switch ev.Field {
	case registry.FieldActive:
		if ev.Active {
			n.fromStream(ev.StreamID)
			return
		}
		n.mu.RLock()
		showing := n.has && n.current.StreamID == ev.StreamID
		n.mu.RUnlock()
		if showing {
			n.reselect()
		}
	case registry.FieldValue:
		if !ev.Active {
			return
		}
		n.set(Notice{
			Title:      title(ev.Name),
			StreamID:   ev.StreamID,
			StreamName: ev.Name,
			Value:      ev.Value,
			HasValue:   true,
		})
	}
}

func (n *Notifier) fromStream(id registry.StreamID) {
	for _, s := range n.feed.Active() {
		if s.ID == id {
			n.set(noticeFor(s))
			return
		}
	}
}

// reselect shows the last active stream in registration order, or clears
func (n *Notifier) reselect() {
	active := n.feed.Active()
	if len(active) == 0 {
		n.clear()
		return
	}
	n.set(noticeFor(active[len(active)-1]))
}

func noticeFor(s registry.Stream) Notice {
	notice := Notice{
		Title:      title(s.Name),
		StreamID:   s.ID,
		StreamName: s.Name,
	}
	if s.Latest != nil {
		notice.Value = *s.Latest
		notice.HasValue = true
	}
	return notice
}

func title(name string) string {
	return name + " Sensor"
}

// set replaces the notice. Switching streams is logged at info, a new value
// for the same stream only at debug.
func (n *Notifier) set(notice Notice) {
	n.mu.Lock()
	prev, had := n.current, n.has
	n.current = notice
	n.has = true
	n.mu.Unlock()

	if had && prev == notice {
		return
	}

	level := n.logger.Debug
	if !had || prev.StreamID != notice.StreamID || prev.Title != notice.Title {
		level = n.logger.Info
	}
	ev := level().
		Str("title", notice.Title).
		Str("stream", notice.StreamName)
	if notice.HasValue {
		ev = ev.Float64("value", notice.Value)
	}
	ev.Msg("Recording")
}

func (n *Notifier) clear() {
	n.mu.Lock()
	had := n.has
	n.current = Notice{}
	n.has = false
	n.mu.Unlock()

	if had {
		n.logger.Info().Msg("No stream active")
	}
}
