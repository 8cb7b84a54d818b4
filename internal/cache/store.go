// Package cache stores the encoded results of memoized calls.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultTTL applies when an entry arrives without an expiry.
const DefaultTTL = 30 * time.Second

// Entry is one stored result. Value holds the JSON encoding of the call's
// return value.
type Entry struct {
	Value     json.RawMessage `json:"value"`
	StoredAt  time.Time       `json:"storedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Store is the backend a memoize.Layer reads and writes.
type Store interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// stamp fills StoredAt and, when missing or inconsistent, ExpiresAt.
func stamp(entry Entry, now time.Time, ttl time.Duration) Entry {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = now.UTC()
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		entry.ExpiresAt = entry.StoredAt.Add(ttl)
	}
	return entry
}

func cloneEntry(in Entry) Entry {
	out := in
	if in.Value != nil {
		out.Value = append(json.RawMessage(nil), in.Value...)
	}
	return out
}
