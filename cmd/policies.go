package main

import (
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/l0p7/methodcache/internal/config"
	"github.com/l0p7/methodcache/internal/memoize"
	"github.com/l0p7/methodcache/internal/server"
)

// toPolicy resolves a configured policy against the server-wide lock and
// cache defaults.
func toPolicy(name string, pc config.PolicyConfig, srv config.ServerConfig) memoize.Policy {
	lease := srv.Lock.LeaseSeconds
	if pc.LockLeaseSeconds > 0 {
		lease = pc.LockLeaseSeconds
	}
	retries := srv.Lock.WaitRetries
	if pc.WaitRetries != nil {
		retries = *pc.WaitRetries
	}
	return memoize.Policy{
		Name:         name,
		Namespace:    pc.Namespace,
		Condition:    pc.Condition,
		Key:          pc.Key,
		Expire:       pc.Expire,
		TTL:          pc.TTLDuration(time.Duration(srv.Cache.TTLSeconds) * time.Second),
		LockPrefix:   srv.Lock.Prefix,
		LockLease:    lease,
		WaitRetries:  retries,
		WaitInterval: srv.Lock.WaitInterval(),
	}
}

// buildPolicySet precompiles every policy in the layer's engine. Policies that
// fail are reported alongside the loader's own skips instead of being served.
func buildPolicySet(layer *memoize.Layer, srv config.ServerConfig, defs map[string]config.PolicyConfig, skipped []config.PolicySkip, sources []string, logger *slog.Logger) server.PolicySet {
	set := server.PolicySet{
		Policies: make(map[string]memoize.Policy, len(defs)),
		Skipped:  slices.Clone(skipped),
		Sources:  slices.Clone(sources),
	}
	for _, name := range slices.Sorted(maps.Keys(defs)) {
		policy := toPolicy(name, defs[name], srv)
		if err := layer.Precompile(policy); err != nil {
			logger.Warn("policy disabled", slog.String("policy", name), slog.Any("error", err))
			set.Skipped = append(set.Skipped, config.PolicySkip{Name: name, Reason: err.Error()})
			continue
		}
		set.Policies[name] = policy
	}
	for _, skip := range skipped {
		logger.Warn("policy skipped", slog.String("policy", skip.Name), slog.String("reason", skip.Reason))
	}
	return set
}
