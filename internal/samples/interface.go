package samples

import (
	"context"
	"time"
)

// Store is the durable, append-only sample log
type Store interface {
	Append(ctx context.Context, streamID int, value float64, ts time.Time) (Sample, error)
	QueryRange(ctx context.Context, streamID int) ([]Sample, error)
	QueryBetween(ctx context.Context, streamID int, from, to time.Time) ([]Sample, error)
	Count(ctx context.Context, streamID int) (int, error)
	Close() error
}

// Sample is one persisted observation. Samples are never mutated.
type Sample struct {
	ID        int64
	StreamID  int
	Value     float64
	Timestamp time.Time
}
