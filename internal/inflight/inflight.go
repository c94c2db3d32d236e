// Package inflight enforces at most one active gateway request per subject.
package inflight

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy is returned by Acquire when the subject already has a request
// in flight.
var ErrBusy = errors.New("a request for this subject is already in flight")

// Guard hands out per-key exclusive slots. The returned release function
// must be called exactly once when the request finishes.
type Guard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Memory is a process-local Guard.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

func (m *Memory) Acquire(_ context.Context, key string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[key]; ok {
		return nil, ErrBusy
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, nil
}
