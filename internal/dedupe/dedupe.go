// Package dedupe interns byte blobs so structurally identical compiler
// outputs share one backing allocation.
package dedupe

import (
	"bytes"
	"sync"
)

// Handle is a stable reference to an interned blob. Two byte-equal inputs
// always intern to the identical handle; the pointed-to slice must never be
// mutated.
type Handle *[]byte

// Bytes returns the interned content, or nil for a nil handle.
func Bytes(h Handle) []byte {
	if h == nil {
		return nil
	}
	return *h
}

const (
	// Inputs at or below this size are hashed over every byte.
	smallArrayThreshold = 16
	// Larger inputs are hashed over a fixed sample of positions so the
	// cost stays constant regardless of size.
	sampledHashCount = 16

	fnvOffsetBasis = 0x811c9dc5
	fnvPrime       = 16777619

	numStripes = 32
)

// hashBytes computes the two-tier content hash. Small inputs hash every
// byte; larger ones hash the two bytes at offsets 6 and 7 plus positions
// drawn from a fixed linear-congruential sequence, then mix.
func hashBytes(data []byte) uint32 {
	hash := uint32(fnvOffsetBasis)
	if len(data) <= smallArrayThreshold {
		for _, b := range data {
			hash = (hash * fnvPrime) ^ uint32(b)
		}
	} else {
		for i := 0; i < 2; i++ {
			hash = (hash * fnvPrime) ^ uint32(data[i+6])
		}
		for i := 2; i < sampledHashCount; i++ {
			r := uint32(i)*1103515245 + 12345
			hash = (hash * fnvPrime) ^ uint32(data[int(r)%len(data)])
		}
	}
	hash += hash << 13
	hash ^= hash >> 7
	hash += hash << 3
	hash ^= hash >> 17
	hash += hash << 5
	return hash
}

// Store is a content-addressed intern table. Buckets are striped by hash so
// interns of unrelated content do not contend on one lock.
type Store struct {
	name    string
	stripes [numStripes]stripe
}

type stripe struct {
	mu      sync.Mutex
	buckets map[uint32][]Handle
}

// NewStore creates a named store. The name only serves diagnostics.
func NewStore(name string) *Store {
	s := &Store{name: name}
	for i := range s.stripes {
		s.stripes[i].buckets = make(map[uint32][]Handle)
	}
	return s
}

// Name returns the store's diagnostic name.
func (s *Store) Name() string { return s.name }

// Intern canonicalizes the given content. The input is copied; callers may
// reuse their buffer. Hash collisions fall through to a full byte-equality
// check, so colliding blobs never alias.
func (s *Store) Intern(data []byte) Handle {
	h := hashBytes(data)
	st := &s.stripes[h%numStripes]

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, existing := range st.buckets[h] {
		if bytes.Equal(*existing, data) {
			return existing
		}
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	handle := Handle(&stored)
	st.buckets[h] = append(st.buckets[h], handle)
	return handle
}

// Len returns the number of distinct blobs stored.
func (s *Store) Len() int {
	n := 0
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.Lock()
		for _, bucket := range st.buckets {
			n += len(bucket)
		}
		st.mu.Unlock()
	}
	return n
}
