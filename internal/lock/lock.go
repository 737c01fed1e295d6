// Package lock provides the per environment and service lease that keeps
// deployments of the same service from overlapping.
package lock

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrHeld is returned when another holder owns the lease
	ErrHeld = errors.New("lock is held")
	// ErrLost is returned on release when the lease expired or was taken over
	ErrLost = errors.New("lock was lost")
)

// Lease is a held lock
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker hands out leases; Acquire fails fast with ErrHeld instead of waiting
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Key returns the lease key for a service in an environment
func Key(env, service string) string {
	return env + "/" + service
}

// Memory is an in-process Locker
type Memory struct {
	mu   sync.Mutex
	held map[string]string
}

// NewMemory creates an in-process locker
func NewMemory() *Memory {
	return &Memory{held: make(map[string]string)}
}

func (m *Memory) Acquire(ctx context.Context, key string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	m.held[key] = token
	return &memoryLease{locker: m, key: key, token: token}, nil
}

// Held reports whether key is currently leased
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[key]
	return ok
}

type memoryLease struct {
	locker *Memory
	key    string
	token  string
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if l.locker.held[l.key] != l.token {
		return ErrLost
	}
	delete(l.locker.held, l.key)
	return nil
}
