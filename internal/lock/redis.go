package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	valkey "github.com/valkey-io/valkey-go"

	"github.com/l0p7/methodcache/internal/metrics"
)

const backendRedis = "redis"

// releaseScript deletes the lease only while it still carries our token, so
// a caller whose lease expired cannot remove the next holder's lease.
var releaseScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis grants leases with SET NX EX on a shared Valkey or Redis server, so
// exclusion holds across processes.
type Redis struct {
	client  valkey.Client
	metrics *metrics.Recorder

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedis wraps an existing client. Closing the client stays with the caller.
func NewRedis(client valkey.Client, opts ...Option) *Redis {
	o := buildOptions(opts)
	return &Redis{
		client:  client,
		metrics: o.metrics,
		tokens:  make(map[string]string),
	}
}

func (r *Redis) TryLock(ctx context.Context, key string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, fmt.Errorf("lock: try %q: %w", key, ErrInvalidLease)
	}
	token := uuid.NewString()
	cmd := r.client.B().Set().Key(key).Value(token).Nx().ExSeconds(int64(leaseSeconds)).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			r.metrics.ObserveLockAttempt(backendRedis, metrics.LockContended)
			return false, nil
		}
		r.metrics.ObserveLockAttempt(backendRedis, metrics.LockError)
		return false, fmt.Errorf("lock: redis set %q: %w", key, err)
	}

	r.mu.Lock()
	r.tokens[key] = token
	r.mu.Unlock()
	r.metrics.ObserveLockAttempt(backendRedis, metrics.LockAcquired)
	return true, nil
}

func (r *Redis) Unlock(ctx context.Context, key string) error {
	r.mu.Lock()
	token, held := r.tokens[key]
	delete(r.tokens, key)
	r.mu.Unlock()
	if !held {
		return nil
	}

	deleted, err := releaseScript.Exec(ctx, r.client, []string{key}, []string{token}).AsInt64()
	if err != nil {
		r.metrics.ObserveLockRelease(backendRedis, metrics.LockError)
		return fmt.Errorf("lock: redis release %q: %w", key, err)
	}
	if deleted > 0 {
		r.metrics.ObserveLockRelease(backendRedis, metrics.LockReleased)
	}
	return nil
}
