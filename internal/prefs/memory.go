package prefs

import (
	"context"
	"sync"
)

type Memory struct {
	mu      sync.RWMutex
	values  map[string]bool
	failSet error
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]bool)}
}

func (m *Memory) Get(_ context.Context, key string) (bool, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failSet != nil {
		return m.failSet
	}
	m.values[key] = value
	return nil
}

func (*Memory) Close() error {
	return nil
}

// FailWrites makes every following Set return err without storing anything.
// A nil err restores normal behaviour.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failSet = err
}
