package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/methodcache/internal/hashtable"
)

type memoryCache struct {
	ttl time.Duration
	now func() time.Time

	// entries is not synchronized on its own; mu guards every access.
	mu      sync.Mutex
	entries *hashtable.Table[Entry]
}

// MemoryOption configures NewMemory.
type MemoryOption func(*memoryCache)

// WithMemoryClock overrides the time source used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(c *memoryCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMemoryHasher fixes the hasher of the backing table.
func WithMemoryHasher(h hashtable.Hasher) MemoryOption {
	return func(c *memoryCache) { c.entries = hashtable.New[Entry](hashtable.WithHasher(h)) }
}

// NewMemory returns a process-local Store backed by a hashtable.Table.
// Expired entries are dropped when looked up.
func NewMemory(ttl time.Duration, opts ...MemoryOption) Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &memoryCache{ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.entries == nil {
		c.entries = hashtable.New[Entry]()
	}
	return c
}

func (c *memoryCache) Lookup(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if c.now().After(entry.ExpiresAt) {
		c.entries.Remove(key)
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (c *memoryCache) Store(_ context.Context, key string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _, err := c.entries.Put(key, cloneEntry(stamp(entry, c.now(), c.ttl)))
	return err
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
	return nil
}

func (c *memoryCache) DeletePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []string
	c.entries.Range(func(key string, _ Entry) bool {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
		return true
	})
	for _, key := range matched {
		c.entries.Remove(key)
	}
	return nil
}

func (c *memoryCache) Size(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(c.entries.Len()), nil
}

func (c *memoryCache) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Clear()
	return nil
}
