package expr

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/methodcache/internal/hashtable"
	"github.com/l0p7/methodcache/internal/metrics"
)

type person struct {
	Name string
	Age  int
	Sex  int
}

func newEngine(t *testing.T, seed float32) *Engine {
	t.Helper()
	h, err := hashtable.NewHasher(seed)
	require.NoError(t, err)
	engine, err := NewEngine(WithHasher(h), WithMetrics(metrics.NewRecorder(nil)))
	require.NoError(t, err)
	return engine
}

func TestEvaluateKeyConcatenatesArguments(t *testing.T) {
	engine := newEngine(t, 1)
	cc := CallContext{Args: []any{"1111", "2222", person{Name: "刘德华", Age: 18}}}

	key, err := engine.EvaluateKey(`'test_'+args[0]+'_'+args[1]`, cc)
	require.NoError(t, err)
	require.Equal(t, "test_1111_2222", key)
}

func TestEvaluateKeyConcatenatesScalarArguments(t *testing.T) {
	engine := newEngine(t, 1)
	cc := CallContext{Args: []any{42, uint(7), 2.5, true, int64(-3)}}

	cases := map[string]string{
		`'user_' + args[0]`:             "user_42",
		`args[0] + '_user'`:             "42_user",
		`'u' + args[1] + '_' + args[2]`: "u7_2.5",
		`'flag_' + args[3]`:             "flag_true",
		`'n' + args[4]`:                 "n-3",
		`'sum_' + (args[0] + 1)`:        "sum_43",
	}
	for expression, want := range cases {
		got, err := engine.EvaluateKey(expression, cc)
		require.NoError(t, err, expression)
		require.Equal(t, want, got, expression)
	}

	total, err := Evaluate[int64](engine, `args[0] + 1`, cc)
	require.NoError(t, err)
	require.Equal(t, int64(43), total)
}

func TestEvaluateEmpty(t *testing.T) {
	engine := newEngine(t, 1)
	cc := CallContext{Args: []any{"1111", "", nil, []string{}, map[string]int{}, 0}}

	cases := map[string]bool{
		`empty(args[0])`: false,
		`empty(args[1])`: true,
		`empty(args[2])`: true,
		`empty(args[3])`: true,
		`empty(args[4])`: true,
		`empty(args[5])`: false,
		`empty(args)`:    false,
	}
	for expression, want := range cases {
		got, err := Evaluate[bool](engine, expression, cc)
		require.NoError(t, err, expression)
		require.Equal(t, want, got, expression)
	}
}

func TestEvaluateKeyReadsReturnValue(t *testing.T) {
	engine := newEngine(t, 1)

	key, err := engine.EvaluateKey(`retVal.name`, CallContext{
		Args:           []any{"1111"},
		ReturnValue:    &person{Name: "Alice"},
		PostInvocation: true,
	})
	require.NoError(t, err)
	require.Equal(t, "Alice", key)

	key, err = engine.EvaluateKey(` (retVal['rid'])`, CallContext{
		ReturnValue:    map[string]any{"rid": "iamrid"},
		PostInvocation: true,
	})
	require.NoError(t, err)
	require.Equal(t, "iamrid", key)
}

func TestReturnValueUnboundBeforeInvocation(t *testing.T) {
	engine := newEngine(t, 1)
	cc := CallContext{Args: []any{"1111"}, ReturnValue: map[string]any{"rid": "x"}, PostInvocation: true}

	_, err := engine.EvaluateCondition(`retVal.rid == "x"`, cc)
	require.ErrorIs(t, err, ErrUnboundReference)
	require.Equal(t, ReasonUnboundReference, ReasonOf(err))

	cc.PostInvocation = false
	_, err = engine.EvaluateKey(`retVal.rid`, cc)
	require.ErrorIs(t, err, ErrUnboundReference)
}

func TestHashBuiltin(t *testing.T) {
	engine := newEngine(t, 1)
	cc := CallContext{Args: []any{"1111", "2222", person{Name: "刘德华", Age: 18}}}

	scalar, err := Evaluate[string](engine, `hash(args[0])`, cc)
	require.NoError(t, err)
	require.Equal(t, "1111", scalar)

	second, err := Evaluate[string](engine, `hash(args[1])`, cc)
	require.NoError(t, err)
	require.Equal(t, "2222", second)

	composite, err := Evaluate[string](engine, `hash(args[2])`, cc)
	require.NoError(t, err)
	again, err := Evaluate[string](engine, `hash(args[2])`, cc)
	require.NoError(t, err)
	require.Equal(t, composite, again)
	require.Regexp(t, `^-?\d+$`, composite)

	joined, err := Evaluate[string](engine, `hash(args)`, cc)
	require.NoError(t, err)
	require.Equal(t, "1111_2222_"+composite, joined)
}

func TestHashMatchesDigest(t *testing.T) {
	engine := newEngine(t, 2)
	value := map[string]any{"b": 2, "a": []any{1, "x"}}

	fromExpression, err := Evaluate[string](engine, `hash(args[0])`, CallContext{Args: []any{value}})
	require.NoError(t, err)
	direct, err := Digest(engine.Hasher(), value)
	require.NoError(t, err)
	require.Equal(t, direct, fromExpression)

	want := fmt.Sprint(engine.Hasher().Hash(`{"a":[1,"x"],"b":2}`))
	require.Equal(t, want, direct)
}

func TestHashDependsOnSeed(t *testing.T) {
	a := newEngine(t, 0.5)
	b := newEngine(t, 2.5)

	differs := false
	for i := 0; i < 16 && !differs; i++ {
		cc := CallContext{Args: []any{map[string]any{"id": i}}}
		ha, err := Evaluate[string](a, `hash(args[0])`, cc)
		require.NoError(t, err)
		hb, err := Evaluate[string](b, `hash(args[0])`, cc)
		require.NoError(t, err)
		differs = ha != hb
	}
	require.True(t, differs)
}

func TestEvaluationErrors(t *testing.T) {
	engine := newEngine(t, 1)
	cc := CallContext{Args: []any{"1111", 7}, ReturnValue: map[string]any{}, PostInvocation: true}

	cases := []struct {
		name       string
		expression string
		eval       func(string) error
		want       error
	}{
		{"syntax", `'test_' +`, func(s string) error { _, err := engine.EvaluateKey(s, cc); return err }, ErrParse},
		{"undeclared", `request.id`, func(s string) error { _, err := engine.EvaluateKey(s, cc); return err }, ErrUnboundReference},
		{"missing key", `retVal['rid']`, func(s string) error { _, err := engine.EvaluateKey(s, cc); return err }, ErrUnboundReference},
		{"index out of range", `args[5]`, func(s string) error { _, err := engine.EvaluateKey(s, cc); return err }, ErrUnboundReference},
		{"list as key", `args`, func(s string) error { _, err := engine.EvaluateKey(s, cc); return err }, ErrCoercion},
		{"not a bool", `args[0]`, func(s string) error { _, err := engine.EvaluateCondition(s, cc); return err }, ErrCoercion},
		{"bad operands", `'test_' + retVal`, func(s string) error { _, err := engine.EvaluateKey(s, cc); return err }, ErrCoercion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.eval(tc.expression)
			require.Error(t, err)
			require.ErrorIs(t, err, tc.want)
			var evalErr *EvaluationError
			require.True(t, errors.As(err, &evalErr))
			require.NotEmpty(t, evalErr.Expression)
		})
	}
}

func TestNullResultIsCoercionError(t *testing.T) {
	engine := newEngine(t, 1)
	_, err := engine.EvaluateKey(`retVal`, CallContext{PostInvocation: true})
	require.ErrorIs(t, err, ErrCoercion)
}

func TestEvaluateGenericCoercion(t *testing.T) {
	engine := newEngine(t, 1)
	cc := CallContext{Args: []any{"1111", int32(30), 1.5}}

	n, err := Evaluate[int64](engine, `size(args)`, cc)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	s, err := Evaluate[string](engine, `args[1]`, cc)
	require.NoError(t, err)
	require.Equal(t, "30", s)

	f, err := Evaluate[float64](engine, `args[2]`, cc)
	require.NoError(t, err)
	require.InDelta(t, 1.5, f, 1e-9)

	i, err := Evaluate[int](engine, `args[0]`, cc)
	require.NoError(t, err)
	require.Equal(t, 1111, i)
}

func TestEvaluateExpire(t *testing.T) {
	engine := newEngine(t, 1)
	cc := CallContext{Args: []any{30}}

	d, err := engine.EvaluateExpire("", cc, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d)

	d, err = engine.EvaluateExpire(`args[0] * 2`, cc, 0)
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)

	d, err = engine.EvaluateExpire(`-1`, cc, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, d)

	d, err = engine.EvaluateExpire(`args[0] - 30`, cc, 0)
	require.NoError(t, err)
	require.Zero(t, d)

	_, err = engine.EvaluateExpire(`'soon'`, cc, 0)
	require.ErrorIs(t, err, ErrCoercion)
}

func TestReferencesReturnValue(t *testing.T) {
	engine := newEngine(t, 1)

	uses, err := engine.ReferencesReturnValue(`'user_' + retVal.id`)
	require.NoError(t, err)
	require.True(t, uses)

	uses, err = engine.ReferencesReturnValue(`'user_' + args[0]`)
	require.NoError(t, err)
	require.False(t, uses)

	_, err = engine.ReferencesReturnValue(`(`)
	require.ErrorIs(t, err, ErrParse)
}

func TestParseCacheIsSharedAcrossGoroutines(t *testing.T) {
	engine := newEngine(t, 1)
	const workers = 64
	expression := `'user_' + args[0]`

	var wg sync.WaitGroup
	results := make([]string, workers)
	errs := make([]error, workers)
	programs := make([]*Program, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			programs[i], errs[i] = engine.Compile(expression)
			results[i], _ = engine.EvaluateKey(expression, CallContext{Args: []any{i}})
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Same(t, programs[0], programs[i])
	}
	cached := 0
	engine.programs.Range(func(any, any) bool {
		cached++
		return true
	})
	require.Equal(t, 1, cached)
}

func TestFailedCompilesAreNotCached(t *testing.T) {
	engine := newEngine(t, 1)
	_, err := engine.Compile(`args[`)
	require.ErrorIs(t, err, ErrParse)
	_, ok := engine.programs.Load(`args[`)
	require.False(t, ok)
}
