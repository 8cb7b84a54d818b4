package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the environment prefix the service binary reads.
const EnvPrefix = "METHODCACHE"

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot, then merges policy documents from the
// configured folder or file on top of the inline policies block.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.policies.policiesfolder": "server.policies.policiesFolder",
			"server.policies.policiesfile":   "server.policies.policiesFile",
			"server.cache.ttlseconds":        "server.cache.ttlSeconds",
			"server.cache.redis.tls.cafile":  "server.cache.redis.tls.caFile",
			"server.lock.leaseseconds":       "server.lock.leaseSeconds",
			"server.lock.waitretries":        "server.lock.waitRetries",
			"server.lock.waitintervalmillis": "server.lock.waitIntervalMillis",
			"server.lock.redis.tls.cafile":   "server.lock.redis.tls.caFile",
			"server.expr.hashseed":           "server.expr.hashSeed",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlinePolicies = clonePolicyMap(cfg.Policies)

	bundle, err := buildPolicyBundle(ctx, cfg.InlinePolicies, cfg.Server.Policies)
	if err != nil {
		return Config{}, err
	}
	cfg.Policies = bundle.Policies
	cfg.PolicySources = bundle.Sources
	cfg.SkippedPolicies = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	redis := func(r RedisConfig) map[string]any {
		return map[string]any{
			"address":  r.Address,
			"username": r.Username,
			"password": r.Password,
			"db":       r.DB,
			"tls": map[string]any{
				"enabled": r.TLS.Enabled,
				"caFile":  r.TLS.CAFile,
			},
		}
	}
	exprCfg := map[string]any{}
	if cfg.Server.Expr.HashSeed != nil {
		exprCfg["hashSeed"] = *cfg.Server.Expr.HashSeed
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"policies": map[string]any{
				"policiesFolder": cfg.Server.Policies.PoliciesFolder,
				"policiesFile":   cfg.Server.Policies.PoliciesFile,
			},
			"cache": map[string]any{
				"backend":    cfg.Server.Cache.Backend,
				"ttlSeconds": cfg.Server.Cache.TTLSeconds,
				"redis":      redis(cfg.Server.Cache.Redis),
			},
			"lock": map[string]any{
				"backend":            cfg.Server.Lock.Backend,
				"prefix":             cfg.Server.Lock.Prefix,
				"leaseSeconds":       cfg.Server.Lock.LeaseSeconds,
				"waitRetries":        cfg.Server.Lock.WaitRetries,
				"waitIntervalMillis": cfg.Server.Lock.WaitIntervalMillis,
				"redis":              redis(cfg.Server.Lock.Redis),
			},
			"expr": exprCfg,
		},
	}
}
