package source

import (
	"context"
	"time"

	"codeberg.org/mutker/sensord/internal/registry"
)

// Reading is one sensor event. A reading with Err set means the source can no
// longer serve the stream.
type Reading struct {
	Values []float64
	At     time.Time
	Err    error
}

// Source delivers readings for individual streams. The channel returned by
// Subscribe is closed once the subscription ends for any reason.
type Source interface {
	Subscribe(ctx context.Context, id registry.StreamID) (<-chan Reading, error)
	Unsubscribe(id registry.StreamID) error
	Close() error
}
