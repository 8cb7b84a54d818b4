package hashtable

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"unicode/utf16"
)

const (
	// MaxSeed bounds the per-table seed; seeds live in [0, MaxSeed).
	MaxSeed = 3.0

	// cryptTableSize is five blocks of 256 scrambling words.
	cryptTableSize = 0x500

	hashInit1 uint32 = 0x7FED7FED
	hashInit2 uint32 = 0xEEEEEEEE
)

var sharedCryptTable = sync.OnceValue(buildCryptTable)

// buildCryptTable derives the scrambling words from a fixed linear
// congruential recurrence. The output never varies between runs.
func buildCryptTable() *[cryptTableSize]uint32 {
	var table [cryptTableSize]uint32
	seed := uint32(0x00100001)
	for index1 := 0; index1 < 0x100; index1++ {
		for i, index2 := 0, index1; i < 5; i, index2 = i+1, index2+0x100 {
			seed = (seed*125 + 3) % 0x2AAAAB
			high := (seed & 0xFFFF) << 16
			seed = (seed*125 + 3) % 0x2AAAAB
			low := seed & 0xFFFF
			table[index2] = high | low
		}
	}
	return &table
}

// Hasher computes the seeded MPQ-style string hash used by Table. It is an
// immutable value and safe for concurrent use.
//
// Two hashers only agree on a digest when they share a seed; pass a fixed
// seed to NewHasher when digests must be stable across processes.
type Hasher struct {
	seed   float32
	offset int
	crypt  *[cryptTableSize]uint32
}

// RandomSeed returns a seed uniformly drawn from [0, MaxSeed).
func RandomSeed() float32 {
	return rand.Float32() * MaxSeed
}

// NewHasher builds a hasher for the given seed.
func NewHasher(seed float32) (Hasher, error) {
	if !(seed >= 0 && seed < MaxSeed) {
		return Hasher{}, fmt.Errorf("hashtable: seed %v outside [0,%v): %w", seed, MaxSeed, ErrInvalidArgument)
	}
	return Hasher{
		seed:   seed,
		offset: int(seed * 256),
		crypt:  sharedCryptTable(),
	}, nil
}

// NewRandomHasher builds a hasher with a freshly drawn seed.
func NewRandomHasher() Hasher {
	h, _ := NewHasher(RandomSeed())
	return h
}

// Seed reports the seed the hasher was built with.
func (h Hasher) Seed() float32 { return h.seed }

// Hash mixes every UTF-16 code unit of key through the crypt table. The
// arithmetic wraps at 32 bits so results match the reference recurrence.
// Code units that would index past the crypt table wrap around it.
func (h Hasher) Hash(key string) int32 {
	crypt := h.crypt
	if crypt == nil {
		crypt = sharedCryptTable()
	}
	s1, s2 := hashInit1, hashInit2
	mix := func(unit uint32) {
		s1 = crypt[(h.offset+int(unit))%cryptTableSize] ^ (s1 + s2)
		s2 = unit + s1 + s2 + (s2 << 5) + 3
	}
	for _, r := range key {
		if r < 0x10000 {
			mix(uint32(r))
			continue
		}
		hi, lo := utf16.EncodeRune(r)
		mix(uint32(hi))
		mix(uint32(lo))
	}
	return int32(s1)
}
