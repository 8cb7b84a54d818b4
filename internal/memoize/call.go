package memoize

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/l0p7/methodcache/internal/expr"
	"github.com/l0p7/methodcache/internal/lock"
	"github.com/l0p7/methodcache/internal/metrics"
)

// Func is the operation being memoized.
type Func[T any] func(ctx context.Context) (T, error)

type filled[T any] struct {
	value   T
	outcome metrics.CallOutcome
}

// Call runs fn under policy p. args are the values the policy expressions
// see as args. Results are JSON-encoded in the store, so T must round-trip
// through encoding/json.
func Call[T any](ctx context.Context, l *Layer, p Policy, args []any, fn Func[T]) (T, error) {
	p = p.withDefaults()
	start := time.Now()
	value, outcome, err := call(ctx, l, p, args, fn)
	if err != nil {
		outcome = metrics.CallError
	}
	l.metrics.ObserveCall(p.Name, outcome, time.Since(start))
	return value, err
}

// Wrap returns fn memoized under p, exposing its argument as args[0].
func Wrap[A, T any](l *Layer, p Policy, fn func(context.Context, A) (T, error)) func(context.Context, A) (T, error) {
	return func(ctx context.Context, arg A) (T, error) {
		return Call(ctx, l, p, []any{arg}, func(ctx context.Context) (T, error) {
			return fn(ctx, arg)
		})
	}
}

func call[T any](ctx context.Context, l *Layer, p Policy, args []any, fn Func[T]) (T, metrics.CallOutcome, error) {
	cc := expr.CallContext{Args: args}

	if p.Condition != "" {
		ok, err := l.engine.EvaluateCondition(p.Condition, cc)
		if err != nil {
			l.warn(p, "condition evaluation failed; calling uncached", err)
			return uncached(ctx, fn)
		}
		if !ok {
			v, err := fn(ctx)
			return v, metrics.CallBypassed, err
		}
	}

	post, err := l.engine.ReferencesReturnValue(p.Key)
	if err != nil {
		l.warn(p, "key expression invalid; calling uncached", err)
		return uncached(ctx, fn)
	}
	if post {
		return callThenStore(ctx, l, p, cc, fn)
	}

	key, err := l.engine.EvaluateKey(p.Key, cc)
	if err != nil {
		l.warn(p, "key evaluation failed; calling uncached", err)
		return uncached(ctx, fn)
	}
	full := p.CacheKey(key)

	if v, ok := cached[T](ctx, l, p, full); ok {
		return v, metrics.CallHit, nil
	}

	shared, err, _ := l.flights.Do(full, func() (any, error) {
		v, outcome, err := fill(ctx, l, p, full, cc, fn)
		return filled[T]{value: v, outcome: outcome}, err
	})
	if err != nil {
		var zero T
		return zero, metrics.CallError, err
	}
	result, ok := shared.(filled[T])
	if !ok {
		// Another policy with a different result type shares this key.
		return uncached(ctx, fn)
	}
	return result.value, result.outcome, nil
}

// callThenStore serves policies whose key depends on the return value: the
// operation always runs and its result is stored for other readers.
func callThenStore[T any](ctx context.Context, l *Layer, p Policy, cc expr.CallContext, fn Func[T]) (T, metrics.CallOutcome, error) {
	v, err := fn(ctx)
	if err != nil {
		return v, metrics.CallError, err
	}
	cc.ReturnValue = v
	cc.PostInvocation = true
	key, err := l.engine.EvaluateKey(p.Key, cc)
	if err != nil {
		l.warn(p, "post-invocation key evaluation failed; result not stored", err)
		return v, metrics.CallUncached, nil
	}
	l.save(ctx, p, p.CacheKey(key), cc, v)
	return v, metrics.CallComputed, nil
}

// fill recomputes a missing entry. The lock holder re-checks the cache,
// computes and stores; everyone else waits for the holder's result and
// computes uncached once the wait budget runs out.
func fill[T any](ctx context.Context, l *Layer, p Policy, key string, cc expr.CallContext, fn Func[T]) (T, metrics.CallOutcome, error) {
	lockKey := lock.Key(p.LockPrefix, key)
	acquired, err := l.locker.TryLock(ctx, lockKey, p.LockLease)
	if err != nil {
		l.warn(p, "lock attempt failed; calling uncached", err, slog.String("lock_key", lockKey))
		return uncached(ctx, fn)
	}

	if acquired {
		defer l.unlock(ctx, p, lockKey)
		if v, ok := cached[T](ctx, l, p, key); ok {
			return v, metrics.CallHit, nil
		}
		v, err := fn(ctx)
		if err != nil {
			return v, metrics.CallError, err
		}
		cc.ReturnValue = v
		cc.PostInvocation = true
		l.save(ctx, p, key, cc, v)
		return v, metrics.CallComputed, nil
	}

	if p.WaitRetries > 0 {
		v, err := backoff.Retry(ctx, func() (T, error) {
			raw, ok, err := l.lookup(ctx, p, key)
			if err != nil {
				return *new(T), backoff.Permanent(err)
			}
			if !ok {
				return *new(T), errNotCached
			}
			var out T
			if err := json.Unmarshal(raw, &out); err != nil {
				return out, backoff.Permanent(err)
			}
			return out, nil
		}, l.waitStrategy(p)...)
		if err == nil {
			return v, metrics.CallWaited, nil
		}
		if !errors.Is(err, errNotCached) {
			l.warn(p, "waiting for lock holder failed", err, slog.String("key", key))
		}
	}
	return uncached(ctx, fn)
}

func cached[T any](ctx context.Context, l *Layer, p Policy, key string) (T, bool) {
	var out T
	raw, ok, err := l.lookup(ctx, p, key)
	if err != nil {
		l.warn(p, "cache lookup failed", err, slog.String("key", key))
		return out, false
	}
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		l.warn(p, "cached value does not decode; treating as miss", err, slog.String("key", key))
		return out, false
	}
	return out, true
}

func uncached[T any](ctx context.Context, fn Func[T]) (T, metrics.CallOutcome, error) {
	v, err := fn(ctx)
	return v, metrics.CallUncached, err
}
