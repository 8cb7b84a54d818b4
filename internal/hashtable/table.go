// Package hashtable implements a seeded, chained hash map keyed by strings.
//
// A Table is not safe for concurrent use; callers that share one across
// goroutines must guard it themselves.
package hashtable

import (
	"errors"
	"fmt"
	"math"
	"reflect"
)

const (
	// DefaultCapacity is the bucket count of a fresh table.
	DefaultCapacity = 16
	// DefaultLoadFactor is the fill ratio that arms a resize.
	DefaultLoadFactor float32 = 0.75
	// MaxCapacity is the largest bucket count a table grows to.
	MaxCapacity = 1 << 30
)

// ErrInvalidArgument reports a nil value or an out-of-range option.
var ErrInvalidArgument = errors.New("hashtable: invalid argument")

type entry[V any] struct {
	hash  int32
	key   string
	value V
	next  *entry[V]
}

// Table maps string keys to non-nil values of type V.
type Table[V any] struct {
	hasher      Hasher
	buckets     []*entry[V]
	size        int
	loadFactor  float32
	threshold   int
	maxCapacity int
	resizes     int
}

type options struct {
	hasher     *Hasher
	capacity   int
	loadFactor float32
}

// Option customizes a Table at construction.
type Option func(*options)

// WithHasher fixes the hasher, and with it the seed, instead of drawing a
// random one. Tables that must agree on digests share a hasher.
func WithHasher(h Hasher) Option {
	return func(o *options) { o.hasher = &h }
}

// WithCapacity sets the initial bucket count, rounded up to a power of two.
// Non-positive values keep DefaultCapacity.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithLoadFactor sets the resize ratio. Values outside (0, 1] keep
// DefaultLoadFactor.
func WithLoadFactor(f float32) Option {
	return func(o *options) { o.loadFactor = f }
}

// New constructs an empty table.
func New[V any](opts ...Option) *Table[V] {
	o := options{capacity: DefaultCapacity, loadFactor: DefaultLoadFactor}
	for _, opt := range opts {
		opt(&o)
	}
	if o.capacity <= 0 {
		o.capacity = DefaultCapacity
	}
	if !(o.loadFactor > 0 && o.loadFactor <= 1) {
		o.loadFactor = DefaultLoadFactor
	}
	hasher := NewRandomHasher()
	if o.hasher != nil {
		hasher = *o.hasher
	}
	capacity := roundUpPowerOfTwo(o.capacity)
	t := &Table[V]{
		hasher:      hasher,
		buckets:     make([]*entry[V], capacity),
		loadFactor:  o.loadFactor,
		maxCapacity: MaxCapacity,
	}
	t.threshold = t.thresholdFor(capacity)
	return t
}

// Hash exposes the table's hash primitive.
func (t *Table[V]) Hash(key string) int32 { return t.hasher.Hash(key) }

// Hasher returns the hasher bound to the table.
func (t *Table[V]) Hasher() Hasher { return t.hasher }

// Seed reports the table's hash seed.
func (t *Table[V]) Seed() float32 { return t.hasher.Seed() }

// Len reports the number of stored entries.
func (t *Table[V]) Len() int { return t.size }

// IsEmpty reports whether the table holds no entries.
func (t *Table[V]) IsEmpty() bool { return t.size == 0 }

// Capacity reports the current bucket count.
func (t *Table[V]) Capacity() int { return len(t.buckets) }

// Resizes reports how many times the bucket array has grown.
func (t *Table[V]) Resizes() int { return t.resizes }

// Saturated reports whether a growth attempt hit MaxCapacity. Once
// saturated the table keeps accepting entries but chains grow instead.
func (t *Table[V]) Saturated() bool {
	return len(t.buckets) >= t.maxCapacity && t.threshold == math.MaxInt32
}

// Get returns the value stored under key.
func (t *Table[V]) Get(key string) (V, bool) {
	if e := t.find(key); e != nil {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Contains reports whether key is present.
func (t *Table[V]) Contains(key string) bool {
	return t.find(key) != nil
}

// Put stores value under key. When the key already exists its value is
// replaced and the previous value is returned with replaced set.
func (t *Table[V]) Put(key string, value V) (previous V, replaced bool, err error) {
	if isNil(value) {
		return previous, false, fmt.Errorf("hashtable: put %q: nil value: %w", key, ErrInvalidArgument)
	}
	hash := t.hasher.Hash(key)
	i := indexFor(hash, len(t.buckets))
	for e := t.buckets[i]; e != nil; e = e.next {
		if e.hash == hash && e.key == key {
			previous = e.value
			e.value = value
			return previous, true, nil
		}
	}
	t.addEntry(hash, key, value, i)
	return previous, false, nil
}

// Remove deletes key and returns the value it held.
func (t *Table[V]) Remove(key string) (V, bool) {
	var zero V
	if t.size == 0 {
		return zero, false
	}
	hash := t.hasher.Hash(key)
	i := indexFor(hash, len(t.buckets))
	var prev *entry[V]
	for e := t.buckets[i]; e != nil; prev, e = e, e.next {
		if e.hash != hash || e.key != key {
			continue
		}
		if prev == nil {
			t.buckets[i] = e.next
		} else {
			prev.next = e.next
		}
		t.size--
		return e.value, true
	}
	return zero, false
}

// Clear drops every entry. Capacity, seed and crypt table are retained.
func (t *Table[V]) Clear() {
	clear(t.buckets)
	t.size = 0
}

// Range calls fn for each entry until fn returns false. The table must not
// be mutated from fn.
func (t *Table[V]) Range(fn func(key string, value V) bool) {
	for _, head := range t.buckets {
		for e := head; e != nil; e = e.next {
			if !fn(e.key, e.value) {
				return
			}
		}
	}
}

func (t *Table[V]) find(key string) *entry[V] {
	if t.size == 0 {
		return nil
	}
	hash := t.hasher.Hash(key)
	for e := t.buckets[indexFor(hash, len(t.buckets))]; e != nil; e = e.next {
		if e.hash == hash && e.key == key {
			return e
		}
	}
	return nil
}

// addEntry links a new entry at the head of bucket i, growing first when the
// table is at its threshold and the bucket is already occupied.
func (t *Table[V]) addEntry(hash int32, key string, value V, i int) {
	if t.size >= t.threshold && t.buckets[i] != nil {
		t.resize(2 * len(t.buckets))
		i = indexFor(hash, len(t.buckets))
	}
	t.buckets[i] = &entry[V]{hash: hash, key: key, value: value, next: t.buckets[i]}
	t.size++
}

func (t *Table[V]) resize(newCapacity int) {
	if len(t.buckets) >= t.maxCapacity {
		t.threshold = math.MaxInt32
		return
	}
	buckets := make([]*entry[V], newCapacity)
	for _, e := range t.buckets {
		for e != nil {
			next := e.next
			j := indexFor(e.hash, newCapacity)
			e.next = buckets[j]
			buckets[j] = e
			e = next
		}
	}
	t.buckets = buckets
	t.threshold = t.thresholdFor(newCapacity)
	t.resizes++
}

func (t *Table[V]) thresholdFor(capacity int) int {
	return int(math.Min(float64(float32(capacity)*t.loadFactor), float64(t.maxCapacity+1)))
}

func indexFor(hash int32, length int) int {
	return int(uint32(hash) & uint32(length-1))
}

func roundUpPowerOfTwo(n int) int {
	if n >= MaxCapacity {
		return MaxCapacity
	}
	capacity := 1
	for capacity < n {
		capacity <<= 1
	}
	return capacity
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
