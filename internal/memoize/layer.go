// Package memoize wraps operations with expression-keyed caching.
//
// A call first evaluates the policy condition, then the key. On a miss only
// one caller per key recomputes: callers in the same process share a
// single-flight, and across processes the holder of the key's lock computes
// while others re-read the cache a bounded number of times. Every failure in
// that machinery falls back to running the operation uncached; only the
// operation's own error reaches the caller.
package memoize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/l0p7/methodcache/internal/cache"
	"github.com/l0p7/methodcache/internal/expr"
	"github.com/l0p7/methodcache/internal/lock"
	"github.com/l0p7/methodcache/internal/metrics"
)

var errNotCached = errors.New("memoize: entry not yet cached")

// Layer holds the collaborators shared by every memoized operation.
type Layer struct {
	engine  *expr.Engine
	store   cache.Store
	locker  lock.Locker
	logger  *slog.Logger
	metrics *metrics.Recorder

	flights singleflight.Group
}

// Option configures a Layer.
type Option func(*Layer)

// WithLogger sets the logger for degraded-path warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics attaches a recorder for call and cache metrics.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(l *Layer) { l.metrics = rec }
}

// NewLayer builds a Layer.
func NewLayer(engine *expr.Engine, store cache.Store, locker lock.Locker, opts ...Option) (*Layer, error) {
	if engine == nil || store == nil || locker == nil {
		return nil, errors.New("memoize: engine, store and locker are required")
	}
	l := &Layer{engine: engine, store: store, locker: locker, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("agent", "memoize"))
	return l, nil
}

// Engine returns the expression engine used by the layer.
func (l *Layer) Engine() *expr.Engine { return l.engine }

// Store returns the cache store used by the layer.
func (l *Layer) Store() cache.Store { return l.store }

// Locker returns the lock used by the layer.
func (l *Layer) Locker() lock.Locker { return l.locker }

// Precompile compiles every expression of p so configuration errors surface
// at startup instead of on the first call.
func (l *Layer) Precompile(p Policy) error {
	if p.Key == "" {
		return fmt.Errorf("memoize: policy %q: key expression required", p.Name)
	}
	for _, expression := range []string{p.Condition, p.Key, p.Expire} {
		if expression == "" {
			continue
		}
		if _, err := l.engine.Compile(expression); err != nil {
			return fmt.Errorf("memoize: policy %q: %w", p.Name, err)
		}
	}
	if p.Condition != "" {
		if uses, _ := l.engine.ReferencesReturnValue(p.Condition); uses {
			return fmt.Errorf("memoize: policy %q: condition cannot reference retVal", p.Name)
		}
	}
	return nil
}

// Resolution is the outcome of evaluating a policy without running the
// operation.
type Resolution struct {
	Cacheable bool
	// RequiresReturnValue is set when the key can only be computed after the
	// operation returns and the call context carries no return value.
	RequiresReturnValue bool
	Key                 string
	LockKey             string
	Expire              time.Duration
}

// Resolve evaluates the policy's condition, key and expiry for cc.
func (l *Layer) Resolve(p Policy, cc expr.CallContext) (Resolution, error) {
	p = p.withDefaults()
	if p.Condition != "" {
		ok, err := l.engine.EvaluateCondition(p.Condition, cc)
		if err != nil {
			return Resolution{}, err
		}
		if !ok {
			return Resolution{}, nil
		}
	}
	post, err := l.engine.ReferencesReturnValue(p.Key)
	if err != nil {
		return Resolution{}, err
	}
	if post && !cc.PostInvocation {
		return Resolution{Cacheable: true, RequiresReturnValue: true}, nil
	}
	key, err := l.engine.EvaluateKey(p.Key, cc)
	if err != nil {
		return Resolution{}, err
	}
	full := p.CacheKey(key)
	res := Resolution{
		Cacheable: true,
		Key:       full,
		LockKey:   lock.Key(p.LockPrefix, full),
		Expire:    p.TTL,
	}
	if p.Expire != "" {
		expireUsesRet, err := l.engine.ReferencesReturnValue(p.Expire)
		if err != nil {
			return Resolution{}, err
		}
		if !expireUsesRet || cc.PostInvocation {
			if res.Expire, err = l.engine.EvaluateExpire(p.Expire, cc, p.TTL); err != nil {
				return Resolution{}, err
			}
		}
	}
	return res, nil
}

// Invalidate drops a single entry computed for args. Policies whose key needs
// the return value cannot be invalidated this way.
func (l *Layer) Invalidate(ctx context.Context, p Policy, args []any) error {
	key, err := l.engine.EvaluateKey(p.Key, expr.CallContext{Args: args})
	if err != nil {
		return err
	}
	return l.store.Delete(ctx, p.CacheKey(key))
}

// Purge drops every entry in the policy namespace.
func (l *Layer) Purge(ctx context.Context, p Policy) error {
	if p.Namespace == "" {
		return fmt.Errorf("memoize: policy %q: purge requires a namespace", p.Name)
	}
	return l.store.DeletePrefix(ctx, p.CacheKey(""))
}

func (l *Layer) warn(p Policy, msg string, err error, attrs ...any) {
	args := append([]any{slog.String("policy", p.Name), slog.Any("error", err)}, attrs...)
	l.logger.Warn(msg, args...)
}

func (l *Layer) lookup(ctx context.Context, p Policy, key string) (json.RawMessage, bool, error) {
	start := time.Now()
	entry, ok, err := l.store.Lookup(ctx, key)
	switch {
	case err != nil:
		l.metrics.ObserveCacheLookup(p.Name, metrics.CacheLookupError, time.Since(start))
		return nil, false, err
	case !ok:
		l.metrics.ObserveCacheLookup(p.Name, metrics.CacheLookupMiss, time.Since(start))
		return nil, false, nil
	}
	l.metrics.ObserveCacheLookup(p.Name, metrics.CacheLookupHit, time.Since(start))
	return entry.Value, true, nil
}

// save encodes value and stores it under key with the policy's expiry. Errors
// are logged, never returned.
func (l *Layer) save(ctx context.Context, p Policy, key string, cc expr.CallContext, value any) {
	expire, err := l.engine.EvaluateExpire(p.Expire, cc, p.TTL)
	if err != nil {
		l.warn(p, "expire expression failed; entry not stored", err, slog.String("key", key))
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		l.warn(p, "encode result failed; entry not stored", err, slog.String("key", key))
		return
	}
	entry := cache.Entry{Value: payload, StoredAt: time.Now().UTC()}
	if expire > 0 {
		entry.ExpiresAt = entry.StoredAt.Add(expire)
	}
	start := time.Now()
	if err := l.store.Store(ctx, key, entry); err != nil {
		l.metrics.ObserveCacheStore(p.Name, metrics.CacheStoreError, time.Since(start))
		l.warn(p, "cache store failed", err, slog.String("key", key))
		return
	}
	l.metrics.ObserveCacheStore(p.Name, metrics.CacheStoreStored, time.Since(start))
}

func (l *Layer) unlock(ctx context.Context, p Policy, lockKey string) {
	if err := l.locker.Unlock(context.WithoutCancel(ctx), lockKey); err != nil {
		l.warn(p, "lock release failed", err, slog.String("lock_key", lockKey))
	}
}

// waitStrategy re-reads the cache once right away, then WaitRetries more
// times, each after WaitInterval.
func (l *Layer) waitStrategy(p Policy) []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(p.WaitInterval)),
		backoff.WithMaxTries(uint(p.WaitRetries) + 1),
	}
}
