// Package expr evaluates cache key and condition expressions against a call
// context using a restricted CEL environment.
//
// Expressions see two variables: args, the ordered call arguments, and
// retVal, the return value, which is only bound for post-invocation
// evaluation. Two functions are available besides the CEL operators:
// empty(x) and hash(x). Compiled programs are cached by expression text for
// the lifetime of the Engine.
package expr

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/common/types/ref"
	"github.com/spf13/cast"
	"golang.org/x/sync/singleflight"

	"github.com/l0p7/methodcache/internal/hashtable"
	"github.com/l0p7/methodcache/internal/metrics"
)

// Evaluation modes, used as the metrics label.
const (
	ModeCondition = "condition"
	ModeKey       = "key"
	ModeValue     = "value"
	ModeExpire    = "expire"
)

// CallContext is the per-call input to an evaluation.
type CallContext struct {
	Args []any
	// ReturnValue is bound as retVal when PostInvocation is set.
	ReturnValue    any
	PostInvocation bool
}

// Engine compiles and evaluates expressions. It is safe for concurrent use.
type Engine struct {
	env     *Environment
	hasher  hashtable.Hasher
	logger  *slog.Logger
	metrics *metrics.Recorder

	programs sync.Map // string -> *Program
	compiles singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithHasher fixes the hasher behind the hash built-in. Without it each
// Engine draws a random seed, so digests differ between processes.
func WithHasher(h hashtable.Hasher) Option {
	return func(e *Engine) { e.hasher = h }
}

// WithLogger sets the logger used for compile diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics attaches a recorder for evaluation and parse cache metrics.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = rec }
}

// NewEngine builds an Engine and its CEL environment.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		hasher: hashtable.NewRandomHasher(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	env, err := NewEnvironment(e.hasher)
	if err != nil {
		return nil, err
	}
	e.env = env
	e.logger = e.logger.With(slog.String("agent", "expr"))
	return e, nil
}

// Hasher returns the hasher backing the hash built-in.
func (e *Engine) Hasher() hashtable.Hasher { return e.hasher }

// Compile returns the cached program for expression, compiling it on first
// use. Concurrent first uses of the same text share one compilation.
func (e *Engine) Compile(expression string) (*Program, error) {
	if cached, ok := e.programs.Load(expression); ok {
		e.metrics.ObserveParseCache(true)
		return cached.(*Program), nil
	}
	e.metrics.ObserveParseCache(false)
	v, err, _ := e.compiles.Do(expression, func() (any, error) {
		if cached, ok := e.programs.Load(expression); ok {
			return cached, nil
		}
		program, err := e.env.Compile(expression)
		if err != nil {
			e.logger.Debug("expression compile failed",
				slog.String("expression", expression),
				slog.Any("error", err),
			)
			return nil, err
		}
		actual, _ := e.programs.LoadOrStore(expression, program)
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Program), nil
}

// ReferencesReturnValue reports whether expression reads retVal, meaning its
// value is only known after the underlying call returns.
func (e *Engine) ReferencesReturnValue(expression string) (bool, error) {
	program, err := e.Compile(expression)
	if err != nil {
		return false, err
	}
	return program.UsesReturnValue(), nil
}

// EvaluateCondition evaluates expression with only args visible.
func (e *Engine) EvaluateCondition(expression string, cc CallContext) (bool, error) {
	cc.PostInvocation = false
	cc.ReturnValue = nil
	return evaluate[bool](e, ModeCondition, expression, cc)
}

// EvaluateKey evaluates expression to a cache key. retVal is visible when
// cc.PostInvocation is set.
func (e *Engine) EvaluateKey(expression string, cc CallContext) (string, error) {
	return evaluate[string](e, ModeKey, expression, cc)
}

// EvaluateExpire evaluates expression to a whole number of seconds. An empty
// expression, or a result of zero or less, yields fallback.
func (e *Engine) EvaluateExpire(expression string, cc CallContext, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(expression) == "" {
		return fallback, nil
	}
	seconds, err := evaluate[int64](e, ModeExpire, expression, cc)
	if err != nil {
		return 0, err
	}
	if seconds <= 0 {
		return fallback, nil
	}
	return time.Duration(seconds) * time.Second, nil
}

// Evaluate runs expression and coerces the result to T.
func Evaluate[T any](e *Engine, expression string, cc CallContext) (T, error) {
	return evaluate[T](e, ModeValue, expression, cc)
}

func evaluate[T any](e *Engine, mode, expression string, cc CallContext) (result T, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(ReasonOf(err))
		}
		e.metrics.ObserveEvaluation(mode, outcome, time.Since(start))
	}()

	program, err := e.Compile(expression)
	if err != nil {
		return result, err
	}
	if program.UsesReturnValue() && !cc.PostInvocation {
		return result, newError(ReasonUnboundReference, program.Source(),
			errors.New("retVal is only bound after invocation"))
	}
	val, err := program.Eval(activation(cc))
	if err != nil {
		return result, classifyRuntime(program.Source(), err)
	}
	result, err = coerce[T](val)
	if err != nil {
		return result, newError(ReasonCoercion, program.Source(), err)
	}
	return result, nil
}

func activation(cc CallContext) map[string]any {
	args := make([]any, len(cc.Args))
	for i, arg := range cc.Args {
		args[i] = normalize(arg)
	}
	vars := map[string]any{varArgs: args}
	if cc.PostInvocation {
		vars[varRetVal] = normalize(cc.ReturnValue)
	}
	return vars
}

func coerce[T any](val ref.Val) (T, error) {
	var zero T
	native := toNative(val)
	if native == nil {
		return zero, fmt.Errorf("result is null")
	}
	if out, ok := native.(T); ok {
		return out, nil
	}
	var (
		converted any
		err       error
	)
	switch any(zero).(type) {
	case string:
		switch native.(type) {
		case []any, map[string]any, map[any]any:
			return zero, fmt.Errorf("cannot use %T as a key", native)
		}
		converted, err = cast.ToStringE(native)
	case bool:
		converted, err = cast.ToBoolE(native)
	case int:
		converted, err = cast.ToIntE(native)
	case int64:
		converted, err = cast.ToInt64E(native)
	case float64:
		converted, err = cast.ToFloat64E(native)
	case time.Duration:
		converted, err = cast.ToDurationE(native)
	default:
		converted, err = val.ConvertToNative(reflect.TypeFor[T]())
	}
	if err != nil {
		return zero, err
	}
	out, ok := converted.(T)
	if !ok {
		return zero, fmt.Errorf("cannot convert %T to %T", native, zero)
	}
	return out, nil
}
