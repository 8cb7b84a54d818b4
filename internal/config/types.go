package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/l0p7/methodcache/internal/hashtable"
)

// Config holds every server-level option plus the cache policies once they are loaded.
type Config struct {
	Server   ServerConfig            `koanf:"server"`
	Policies map[string]PolicyConfig `koanf:"policies"`

	InlinePolicies map[string]PolicyConfig `koanf:"-"`

	// PolicySources records which files contributed policy definitions.
	PolicySources []string `koanf:"-"`

	// SkippedPolicies lists definitions the loader disabled because they were
	// duplicated or did not compile.
	SkippedPolicies []PolicySkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs of the service.
type ServerConfig struct {
	Listen   ListenConfig      `koanf:"listen"`
	Logging  LoggingConfig     `koanf:"logging"`
	Policies PoliciesConfig    `koanf:"policies"`
	Cache    ServerCacheConfig `koanf:"cache"`
	Lock     ServerLockConfig  `koanf:"lock"`
	Expr     ExprConfig        `koanf:"expr"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// PoliciesConfig announces where policy documents live besides the inline
// policies block.
type PoliciesConfig struct {
	PoliciesFolder string `koanf:"policiesFolder"`
	PoliciesFile   string `koanf:"policiesFile"`
}

type ServerCacheConfig struct {
	Backend    string      `koanf:"backend"`
	TTLSeconds int         `koanf:"ttlSeconds"`
	Redis      RedisConfig `koanf:"redis"`
}

// ServerLockConfig selects the lock backend and the defaults policies inherit.
type ServerLockConfig struct {
	Backend            string `koanf:"backend"`
	Prefix             string `koanf:"prefix"`
	LeaseSeconds       int    `koanf:"leaseSeconds"`
	WaitRetries        int    `koanf:"waitRetries"`
	WaitIntervalMillis int    `koanf:"waitIntervalMillis"`

	// Redis defaults to the cache connection when its address is empty.
	Redis RedisConfig `koanf:"redis"`
}

// WaitInterval converts WaitIntervalMillis.
func (c ServerLockConfig) WaitInterval() time.Duration {
	return time.Duration(c.WaitIntervalMillis) * time.Millisecond
}

// ExprConfig tunes the expression engine.
type ExprConfig struct {
	// HashSeed fixes the seed of the hash built-in so digests are stable
	// across restarts and replicas. Nil draws a random seed per process.
	HashSeed *float64 `koanf:"hashSeed"`
}

type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// PolicyConfig is one named cache policy.
type PolicyConfig struct {
	Description string `koanf:"description"`
	Namespace   string `koanf:"namespace"`
	Condition   string `koanf:"condition"`
	Key         string `koanf:"key"`
	Expire      string `koanf:"expire"`

	// TTL is a Go duration string used when Expire is empty.
	TTL              string `koanf:"ttl"`
	LockLeaseSeconds int    `koanf:"lockLeaseSeconds"`
	WaitRetries      *int   `koanf:"waitRetries"`
}

// TTLDuration parses TTL, returning fallback when it is empty or invalid.
func (p PolicyConfig) TTLDuration(fallback time.Duration) time.Duration {
	if strings.TrimSpace(p.TTL) == "" {
		return fallback
	}
	d, err := time.ParseDuration(p.TTL)
	if err != nil {
		return fallback
	}
	return d
}

// PolicySkip describes a policy the loader ignored, for health reporting.
type PolicySkip struct {
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Policies.PoliciesFolder != "" && c.Server.Policies.PoliciesFile != "" {
		return errors.New("config: policiesFolder and policiesFile are mutually exclusive")
	}
	if c.Server.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.ttlSeconds invalid: %d", c.Server.Cache.TTLSeconds)
	}
	switch backend := normalizeBackend(c.Server.Cache.Backend); backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}

	lockCfg := c.Server.Lock
	switch backend := normalizeBackend(lockCfg.Backend); backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(lockCfg.Redis.Address) == "" && strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.lock.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.lock.backend unsupported: %s", lockCfg.Backend)
	}
	if lockCfg.LeaseSeconds <= 0 {
		return fmt.Errorf("config: server.lock.leaseSeconds invalid: %d", lockCfg.LeaseSeconds)
	}
	if lockCfg.WaitRetries < 0 {
		return fmt.Errorf("config: server.lock.waitRetries invalid: %d", lockCfg.WaitRetries)
	}
	if lockCfg.WaitIntervalMillis < 0 {
		return fmt.Errorf("config: server.lock.waitIntervalMillis invalid: %d", lockCfg.WaitIntervalMillis)
	}

	if seed := c.Server.Expr.HashSeed; seed != nil {
		if _, err := hashtable.NewHasher(float32(*seed)); err != nil {
			return fmt.Errorf("config: server.expr.hashSeed invalid: %w", err)
		}
	}

	for name, policy := range c.Policies {
		if err := validatePolicy(name, policy); err != nil {
			return err
		}
	}
	return nil
}

// normalizeBackend lower-cases a backend name and maps empty to memory.
func normalizeBackend(backend string) string {
	backend = strings.TrimSpace(strings.ToLower(backend))
	if backend == "" {
		return "memory"
	}
	return backend
}

// CacheBackend reports the effective cache backend.
func (c ServerCacheConfig) CacheBackend() string { return normalizeBackend(c.Backend) }

// LockBackend reports the effective lock backend.
func (c ServerLockConfig) LockBackend() string { return normalizeBackend(c.Backend) }

func validatePolicy(name string, p PolicyConfig) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("config: policy name empty")
	}
	if strings.TrimSpace(p.Key) == "" {
		return fmt.Errorf("config: policy %q key required", name)
	}
	if ttl := strings.TrimSpace(p.TTL); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("config: policy %q ttl invalid: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("config: policy %q ttl negative: %s", name, ttl)
		}
	}
	if p.LockLeaseSeconds < 0 {
		return fmt.Errorf("config: policy %q lockLeaseSeconds invalid: %d", name, p.LockLeaseSeconds)
	}
	if p.WaitRetries != nil && *p.WaitRetries < 0 {
		return fmt.Errorf("config: policy %q waitRetries invalid: %d", name, *p.WaitRetries)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Cache: ServerCacheConfig{
				Backend:    "memory",
				TTLSeconds: 30,
			},
			Lock: ServerLockConfig{
				Backend:            "memory",
				Prefix:             "lock:",
				LeaseSeconds:       10,
				WaitRetries:        20,
				WaitIntervalMillis: 50,
			},
		},
	}
}
