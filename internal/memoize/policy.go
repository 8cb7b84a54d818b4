package memoize

import (
	"time"
)

// Defaults applied to zero Policy fields.
const (
	DefaultLockLease    = 10
	DefaultWaitInterval = 50 * time.Millisecond
)

// Policy describes how one operation is cached. Condition, Key and Expire
// are expressions evaluated against the call's args and, after invocation,
// its return value.
type Policy struct {
	Name      string
	Namespace string

	// Condition gates caching; empty means always cache.
	Condition string
	// Key yields the cache key. When it references retVal the operation runs
	// first and its result is stored under the post-invocation key.
	Key string
	// Expire yields the entry lifetime in seconds; empty means TTL.
	Expire string
	TTL    time.Duration

	LockPrefix string
	// LockLease bounds, in seconds, how long a crashed holder blocks others.
	LockLease int
	// WaitRetries is how many times a caller that lost the lock waits
	// WaitInterval and re-reads the cache before computing uncached. Zero
	// skips waiting.
	WaitRetries  int
	WaitInterval time.Duration
}

// CacheKey prefixes key with the policy namespace.
func (p Policy) CacheKey(key string) string {
	if p.Namespace == "" {
		return key
	}
	return p.Namespace + ":" + key
}

func (p Policy) withDefaults() Policy {
	if p.LockLease <= 0 {
		p.LockLease = DefaultLockLease
	}
	if p.WaitInterval <= 0 {
		p.WaitInterval = DefaultWaitInterval
	}
	if p.WaitRetries < 0 {
		p.WaitRetries = 0
	}
	return p
}
