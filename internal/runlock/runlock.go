// Package runlock ensures a run has at most one attempt executing at a time
// across controller instances.
package runlock

import (
	"context"
	"errors"
	"sync"

	"github.com/jobs/durable/internal/taskerr"
)

// ErrAlreadyRunning is returned when another attempt holds the run.
var ErrAlreadyRunning = taskerr.Permanent(taskerr.Internal{
	Code:    taskerr.CodeTaskAlreadyRunning,
	Message: "an attempt of this run is already executing",
})

// Locker hands out exclusive leases per run id.
type Locker interface {
	// Acquire returns a release func, or ErrAlreadyRunning without waiting.
	Acquire(ctx context.Context, runID string) (release func(), err error)
}

// IsAlreadyRunning reports whether err came from a held lock.
func IsAlreadyRunning(err error) bool {
	return errors.Is(err, ErrAlreadyRunning)
}

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

func (m *Memory) Acquire(_ context.Context, runID string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[runID]; ok {
		return nil, ErrAlreadyRunning
	}
	m.held[runID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.held, runID)
		})
	}, nil
}

// Held reports whether runID is currently locked.
func (m *Memory) Held(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[runID]
	return ok
}
