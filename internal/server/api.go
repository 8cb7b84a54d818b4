package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/l0p7/methodcache/internal/config"
	"github.com/l0p7/methodcache/internal/expr"
	"github.com/l0p7/methodcache/internal/lock"
	"github.com/l0p7/methodcache/internal/memoize"
	"github.com/l0p7/methodcache/internal/metrics"
)

const maxBodyBytes = 1 << 20

// PolicySet is an immutable snapshot of the policies the API serves.
type PolicySet struct {
	Policies map[string]memoize.Policy
	Skipped  []config.PolicySkip
	Sources  []string
	LoadedAt time.Time
}

// API serves policy evaluation, cache invalidation and lock operations over
// a memoize.Layer. Policies are swapped atomically on reload.
type API struct {
	layer      *memoize.Layer
	logger     *slog.Logger
	metrics    *metrics.Recorder
	lockPrefix string
	policies   atomic.Pointer[PolicySet]
}

// APIOption configures NewAPI.
type APIOption func(*API)

// WithLockPrefix sets the prefix the lock endpoints put in front of a cache
// key. It should match the prefix policies lock with.
func WithLockPrefix(prefix string) APIOption {
	return func(a *API) { a.lockPrefix = prefix }
}

// NewAPI builds an API with an empty policy set.
func NewAPI(layer *memoize.Layer, logger *slog.Logger, rec *metrics.Recorder, opts ...APIOption) (*API, error) {
	if layer == nil {
		return nil, errors.New("server: memoize layer required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{
		layer:   layer,
		logger:  logger.With(slog.String("agent", "api")),
		metrics: rec,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.policies.Store(&PolicySet{Policies: map[string]memoize.Policy{}})
	return a, nil
}

// SetPolicies publishes set to subsequent requests.
func (a *API) SetPolicies(set PolicySet) {
	if set.Policies == nil {
		set.Policies = map[string]memoize.Policy{}
	}
	if set.LoadedAt.IsZero() {
		set.LoadedAt = time.Now().UTC()
	}
	a.policies.Store(&set)
	a.logger.Info("policies published",
		slog.Int("policies", len(set.Policies)),
		slog.Int("skipped", len(set.Skipped)),
	)
}

// Policies returns the current snapshot.
func (a *API) Policies() *PolicySet { return a.policies.Load() }

// Handler routes every endpoint.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.serveHealth)
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("GET /v1/policies", a.serveListPolicies)
	mux.HandleFunc("POST /v1/policies/{name}/evaluate", a.serveEvaluate)
	mux.HandleFunc("POST /v1/policies/{name}/invalidate", a.serveInvalidate)
	mux.HandleFunc("DELETE /v1/policies/{name}/cache", a.servePurge)
	mux.HandleFunc("POST /v1/locks/{key...}", a.serveAcquire)
	mux.HandleFunc("DELETE /v1/locks/{key...}", a.serveRelease)
	return mux
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type lockResponse struct {
	Acquired bool   `json:"acquired"`
	Key      string `json:"key"`
}

type healthResponse struct {
	Status       string              `json:"status"`
	Policies     int                 `json:"policies"`
	Skipped      []config.PolicySkip `json:"skipped,omitempty"`
	CacheEntries *int64              `json:"cacheEntries,omitempty"`
	LoadedAt     time.Time           `json:"loadedAt"`
}

func (a *API) serveHealth(w http.ResponseWriter, r *http.Request) {
	set := a.Policies()
	resp := healthResponse{
		Status:   "ok",
		Policies: len(set.Policies),
		Skipped:  set.Skipped,
		LoadedAt: set.LoadedAt,
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	size, err := a.layer.Store().Size(ctx)
	if err != nil {
		a.logger.Warn("cache size unavailable", slog.Any("error", err))
		resp.Status = "degraded"
	} else {
		resp.CacheEntries = &size
	}
	writeJSON(w, http.StatusOK, resp)
}

type policySummary struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
	Condition string `json:"condition,omitempty"`
	Key       string `json:"key"`
	Expire    string `json:"expire,omitempty"`
	TTL       string `json:"ttl,omitempty"`
}

func (a *API) serveListPolicies(w http.ResponseWriter, _ *http.Request) {
	set := a.Policies()
	names := slices.Sorted(maps.Keys(set.Policies))
	out := make([]policySummary, 0, len(names))
	for _, name := range names {
		p := set.Policies[name]
		summary := policySummary{
			Name:      name,
			Namespace: p.Namespace,
			Condition: p.Condition,
			Key:       p.Key,
			Expire:    p.Expire,
		}
		if p.TTL > 0 {
			summary.TTL = p.TTL.String()
		}
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policies": out,
		"skipped":  set.Skipped,
		"sources":  set.Sources,
	})
}

type evaluateRequest struct {
	Args           []any `json:"args"`
	ReturnValue    any   `json:"retVal"`
	PostInvocation bool  `json:"postInvocation"`
}

type evaluateResponse struct {
	Cacheable           bool   `json:"cacheable"`
	RequiresReturnValue bool   `json:"requiresReturnValue,omitempty"`
	Key                 string `json:"key,omitempty"`
	LockKey             string `json:"lockKey,omitempty"`
	ExpireSeconds       int64  `json:"expireSeconds"`
}

func (a *API) serveEvaluate(w http.ResponseWriter, r *http.Request) {
	policy, ok := a.lookupPolicy(w, r)
	if !ok {
		return
	}
	var req evaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := a.layer.Resolve(policy, expr.CallContext{
		Args:           req.Args,
		ReturnValue:    req.ReturnValue,
		PostInvocation: req.PostInvocation,
	})
	if err != nil {
		writeEvaluationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{
		Cacheable:           res.Cacheable,
		RequiresReturnValue: res.RequiresReturnValue,
		Key:                 res.Key,
		LockKey:             res.LockKey,
		ExpireSeconds:       int64(res.Expire / time.Second),
	})
}

type invalidateRequest struct {
	Args []any `json:"args"`
}

func (a *API) serveInvalidate(w http.ResponseWriter, r *http.Request) {
	policy, ok := a.lookupPolicy(w, r)
	if !ok {
		return
	}
	var req invalidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.layer.Invalidate(r.Context(), policy, req.Args); err != nil {
		if expr.ReasonOf(err) != "" {
			writeEvaluationError(w, err)
			return
		}
		a.logger.Error("invalidate failed", slog.String("policy", policy.Name), slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) servePurge(w http.ResponseWriter, r *http.Request) {
	policy, ok := a.lookupPolicy(w, r)
	if !ok {
		return
	}
	if policy.Namespace == "" {
		writeJSON(w, http.StatusConflict, errorResponse{Error: fmt.Sprintf("policy %q has no namespace", policy.Name)})
		return
	}
	if err := a.layer.Purge(r.Context(), policy); err != nil {
		a.logger.Error("purge failed", slog.String("policy", policy.Name), slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lockKey accepts either a cache key or a lock key from an evaluate
// response; both resolve to the lease the memoize layer takes.
func (a *API) lockKey(r *http.Request) string {
	return lock.Key(a.lockPrefix, r.PathValue("key"))
}

func (a *API) serveAcquire(w http.ResponseWriter, r *http.Request) {
	key := a.lockKey(r)
	lease := memoize.DefaultLockLease
	if raw := r.URL.Query().Get("lease"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "lease must be a positive number of seconds"})
			return
		}
		lease = n
	}
	acquired, err := a.layer.Locker().TryLock(r.Context(), key, lease)
	if err != nil {
		a.logger.Warn("lock acquire failed", slog.String("key", key), slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, lockResponse{Acquired: acquired, Key: key})
}

func (a *API) serveRelease(w http.ResponseWriter, r *http.Request) {
	key := a.lockKey(r)
	if err := a.layer.Locker().Unlock(r.Context(), key); err != nil {
		a.logger.Warn("lock release failed", slog.String("key", key), slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) lookupPolicy(w http.ResponseWriter, r *http.Request) (memoize.Policy, bool) {
	name := r.PathValue("name")
	policy, ok := a.Policies().Policies[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("policy %q not found", name)})
		return memoize.Policy{}, false
	}
	return policy, true
}

// decodeBody reads a JSON body with numbers kept exact. An empty body leaves
// dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

func writeEvaluationError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
		Error:  err.Error(),
		Reason: string(expr.ReasonOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
