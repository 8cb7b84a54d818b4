package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "methodcache"

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records cache store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup returned a stored value.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no stored value was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the store operation failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// LockOutcome captures the result of a lock attempt or release.
type LockOutcome string

const (
	LockAcquired  LockOutcome = "acquired"
	LockContended LockOutcome = "contended"
	LockReleased  LockOutcome = "released"
	LockError     LockOutcome = "error"
)

// CallOutcome describes how a memoized call was satisfied.
type CallOutcome string

const (
	// CallHit served a stored value.
	CallHit CallOutcome = "hit"
	// CallComputed ran the loader under the lock and stored the result.
	CallComputed CallOutcome = "computed"
	// CallWaited served a value another caller stored while this one waited.
	CallWaited CallOutcome = "waited"
	// CallBypassed skipped caching because the condition was false.
	CallBypassed CallOutcome = "bypassed"
	// CallUncached ran the loader without caching after a degraded path.
	CallUncached CallOutcome = "uncached"
	// CallError means the loader itself failed.
	CallError CallOutcome = "error"
)

// Recorder publishes Prometheus metrics for expression evaluation, locking,
// cache access and memoized calls. All methods are safe on a nil Recorder.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	evaluations       *prometheus.CounterVec
	evaluationLatency *prometheus.HistogramVec
	parseCache        *prometheus.CounterVec

	lockOperations *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	calls       *prometheus.CounterVec
	callLatency *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	evaluations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "expr",
		Name:      "evaluations_total",
		Help:      "Expression evaluations by mode and result.",
	}, []string{"mode", "result"})

	evaluationLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "expr",
		Name:      "evaluation_duration_seconds",
		Help:      "Latency distribution for expression evaluations.",
		Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	}, []string{"mode"})

	parseCache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "expr",
		Name:      "parse_cache_total",
		Help:      "Parse cache lookups by result.",
	}, []string{"result"})

	lockOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "operations_total",
		Help:      "Lock acquisitions and releases by backend and result.",
	}, []string{"backend", "operation", "result"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache operations executed for memoized calls.",
	}, []string{"policy", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"policy", "operation", "result"})

	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "memoize",
		Name:      "calls_total",
		Help:      "Memoized calls by policy and outcome.",
	}, []string{"policy", "outcome"})

	callLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "memoize",
		Name:      "call_duration_seconds",
		Help:      "Latency distribution for memoized calls.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"policy", "outcome"})

	reg.MustRegister(evaluations, evaluationLatency, parseCache, lockOperations,
		cacheOperations, cacheLatency, calls, callLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:          reg,
		handler:           handler,
		evaluations:       evaluations,
		evaluationLatency: evaluationLatency,
		parseCache:        parseCache,
		lockOperations:    lockOperations,
		cacheOperations:   cacheOperations,
		cacheLatency:      cacheLatency,
		calls:             calls,
		callLatency:       callLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveEvaluation records one expression evaluation. result is "ok" or the
// failure reason.
func (r *Recorder) ObserveEvaluation(mode, result string, duration time.Duration) {
	if r == nil {
		return
	}
	modeLabel := normalizeLabel(mode)
	r.evaluations.WithLabelValues(modeLabel, normalizeLabel(result)).Inc()
	r.evaluationLatency.WithLabelValues(modeLabel).Observe(duration.Seconds())
}

// ObserveParseCache records whether a compiled program was reused.
func (r *Recorder) ObserveParseCache(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.parseCache.WithLabelValues(result).Inc()
}

// ObserveLockAttempt records a TryLock outcome.
func (r *Recorder) ObserveLockAttempt(backend string, result LockOutcome) {
	if r == nil {
		return
	}
	r.lockOperations.WithLabelValues(normalizeLabel(backend), "acquire", normalizeLabel(string(result))).Inc()
}

// ObserveLockRelease records an Unlock outcome.
func (r *Recorder) ObserveLockRelease(backend string, result LockOutcome) {
	if r == nil {
		return
	}
	r.lockOperations.WithLabelValues(normalizeLabel(backend), "release", normalizeLabel(string(result))).Inc()
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(policy string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(policy), CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(policy string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(normalizeLabel(policy), CacheOperationStore, resultLabel, duration)
}

// ObserveCall records how a memoized call was satisfied and how long it took.
func (r *Recorder) ObserveCall(policy string, outcome CallOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	policyLabel := normalizeLabel(policy)
	outcomeLabel := normalizeLabel(string(outcome))
	r.calls.WithLabelValues(policyLabel, outcomeLabel).Inc()
	r.callLatency.WithLabelValues(policyLabel, outcomeLabel).Observe(duration.Seconds())
}

func (r *Recorder) observeCache(policy string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(policy, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(policy, opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
