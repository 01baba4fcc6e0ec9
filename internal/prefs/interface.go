package prefs

import "context"

// Store persists boolean flags by key, surviving restarts
type Store interface {
	// Get returns the stored value and whether the key exists
	Get(ctx context.Context, key string) (value bool, ok bool, err error)
	Set(ctx context.Context, key string, value bool) error
	Close() error
}
