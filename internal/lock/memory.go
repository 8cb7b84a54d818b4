package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/l0p7/methodcache/internal/hashtable"
	"github.com/l0p7/methodcache/internal/metrics"
)

const backendMemory = "memory"

// purgeThreshold is the lease count above which expired leases are swept
// during TryLock.
const purgeThreshold = 1024

// Memory is a process-local Locker. Leases belong to the Memory instance, so
// two goroutines sharing one instance exclude each other while separate
// processes do not.
type Memory struct {
	mu      sync.Mutex
	leases  *hashtable.Table[time.Time]
	now     func() time.Time
	metrics *metrics.Recorder
}

// NewMemory constructs an empty in-process Locker.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		leases:  hashtable.New[time.Time](),
		now:     o.now,
		metrics: o.metrics,
	}
}

func (m *Memory) TryLock(ctx context.Context, key string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, fmt.Errorf("lock: try %q: %w", key, ErrInvalidLease)
	}
	if err := ctx.Err(); err != nil {
		m.metrics.ObserveLockAttempt(backendMemory, metrics.LockError)
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.leases.Len() >= purgeThreshold {
		m.purgeLocked(now)
	}
	if expiry, held := m.leases.Get(key); held && now.Before(expiry) {
		m.metrics.ObserveLockAttempt(backendMemory, metrics.LockContended)
		return false, nil
	}
	if _, _, err := m.leases.Put(key, now.Add(time.Duration(leaseSeconds)*time.Second)); err != nil {
		m.metrics.ObserveLockAttempt(backendMemory, metrics.LockError)
		return false, fmt.Errorf("lock: try %q: %w", key, err)
	}
	m.metrics.ObserveLockAttempt(backendMemory, metrics.LockAcquired)
	return true, nil
}

func (m *Memory) Unlock(_ context.Context, key string) error {
	m.mu.Lock()
	_, held := m.leases.Remove(key)
	m.mu.Unlock()
	if held {
		m.metrics.ObserveLockRelease(backendMemory, metrics.LockReleased)
	}
	return nil
}

// Len reports the number of leases currently tracked, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leases.Len()
}

func (m *Memory) purgeLocked(now time.Time) {
	var expired []string
	m.leases.Range(func(key string, expiry time.Time) bool {
		if !now.Before(expiry) {
			expired = append(expired, key)
		}
		return true
	})
	for _, key := range expired {
		m.leases.Remove(key)
	}
}
