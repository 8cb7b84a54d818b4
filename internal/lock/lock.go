// Package lock provides the lease-based mutual exclusion used to let a single
// caller recompute a missing cache entry.
//
// TryLock never blocks waiting for a holder: it makes one attempt and reports
// whether the lease was granted. Retrying is the caller's decision. Unlock of
// a key the caller does not hold is a no-op.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/l0p7/methodcache/internal/metrics"
)

// DefaultPrefix separates lock keys from cache entry keys.
const DefaultPrefix = "lock:"

// ErrInvalidLease reports a non-positive lease duration.
var ErrInvalidLease = errors.New("lock: lease must be positive")

// Locker grants exclusive, self-expiring leases by key.
type Locker interface {
	// TryLock attempts once to take the lease on key for leaseSeconds.
	// A held lease is reported as false with a nil error.
	TryLock(ctx context.Context, key string, leaseSeconds int) (bool, error)
	// Unlock releases a lease taken by this Locker. Releasing a key that is
	// not held, or no longer held, returns nil.
	Unlock(ctx context.Context, key string) error
}

// Key joins the lock prefix and a cache key.
func Key(prefix, key string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if strings.HasPrefix(key, prefix) {
		return key
	}
	return prefix + key
}

type options struct {
	metrics *metrics.Recorder
	now     func() time.Time
}

// Option configures a Locker implementation.
type Option func(*options)

// WithMetrics records acquire and release outcomes.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(o *options) { o.metrics = rec }
}

// WithClock overrides the time source used for in-process lease expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
