package kvcache

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
)

// maxSharedPrefixTokens bounds how many leading token ids participate in
// the content address, per spec.md section 4.4.
const maxSharedPrefixTokens = 64

// PrefixKey is the SHA-256 hash of a prompt's leading (up to 64) token ids.
type PrefixKey [sha256.Size]byte

// PrefixLen reports how many of ids' leading tokens participate in the
// content address HashPrefix computes, so callers priming a session from a
// SharedPrefix agree with HashPrefix on where the shared region ends.
func PrefixLen(ids []int) int {
	if len(ids) > maxSharedPrefixTokens {
		return maxSharedPrefixTokens
	}
	return len(ids)
}

// HashPrefix computes the content address for ids, truncated to the
// leading maxSharedPrefixTokens entries. Callers pass the full prompt; only
// the prefix participates.
func HashPrefix(ids []int) PrefixKey {
	if len(ids) > maxSharedPrefixTokens {
		ids = ids[:maxSharedPrefixTokens]
	}
	buf := make([]byte, 8)
	h := sha256.New()
	for _, id := range ids {
		binary.LittleEndian.PutUint64(buf, uint64(id))
		h.Write(buf)
	}
	var out PrefixKey
	copy(out[:], h.Sum(nil))
	return out
}

// SharedPrefix is a content-addressed record of a prompt prefix's cached
// per-layer K/V, reference-counted so it is never evicted while a session
// still depends on it (spec.md section 3).
type SharedPrefix struct {
	Key      PrefixKey
	TokenIDs []int

	// K and V are indexed by layer; each entry holds that layer's cached
	// key/value data for TokenIDs, in the same row-major layout a Session
	// stores (post-RoPE keys).
	K [][]float32
	V [][]float32

	refCount atomic.Int64
	lastUsed atomic.Int64 // unix nanos
}

// Attach increments the reference count and returns it.
func (p *SharedPrefix) Attach() int64 {
	p.lastUsed.Store(time.Now().UnixNano())
	return p.refCount.Add(1)
}

// Detach decrements the reference count and returns it. Detaching below
// zero is a caller bug; it is clamped at zero.
func (p *SharedPrefix) Detach() int64 {
	for {
		cur := p.refCount.Load()
		if cur <= 0 {
			return 0
		}
		if p.refCount.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// RefCount reports the current reference count.
func (p *SharedPrefix) RefCount() int64 { return p.refCount.Load() }

// PrefixStore is the content-addressed map from PrefixKey to SharedPrefix.
// Only entries with a zero reference count are eligible for eviction;
// eviction order among those is least-recently-used by lastUsed.
type PrefixStore struct {
	maxEntries int

	mu      sync.Mutex
	entries map[PrefixKey]*SharedPrefix
}

// NewPrefixStore builds a PrefixStore bounded at maxEntries entries,
// attached or not. When the store is full and every entry is attached,
// Observe evicts nothing and adds the new entry past the bound.
func NewPrefixStore(maxEntries int) *PrefixStore {
	return &PrefixStore{maxEntries: maxEntries, entries: make(map[PrefixKey]*SharedPrefix)}
}

// Lookup returns the SharedPrefix for key, incrementing its reference count
// on a hit (the caller must Detach when done with it).
func (s *PrefixStore) Lookup(key PrefixKey) (*SharedPrefix, bool) {
	s.mu.Lock()
	p, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	p.Attach()
	return p, true
}

// Observe records a newly-computed prefix the first time it is seen for
// key, evicting zero-refcount entries if the store is at capacity. If an
// entry for key already exists, it is returned unchanged (the caller's k/v
// are discarded) to avoid duplicating the prefill work it already saved.
func (s *PrefixStore) Observe(key PrefixKey, tokenIDs []int, k, v [][]float32) *SharedPrefix {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.entries[key]; ok {
		return p
	}

	if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictOneLocked()
	}

	p := &SharedPrefix{Key: key, TokenIDs: append([]int{}, tokenIDs...), K: k, V: v}
	p.lastUsed.Store(time.Now().UnixNano())
	s.entries[key] = p
	return p
}

// evictOneLocked drops the least-recently-used zero-refcount entry. No-op
// if every entry is currently attached. Caller must hold s.mu.
func (s *PrefixStore) evictOneLocked() {
	var oldestKey PrefixKey
	var oldest *SharedPrefix
	for k, p := range s.entries {
		if p.RefCount() != 0 {
			continue
		}
		if oldest == nil || p.lastUsed.Load() < oldest.lastUsed.Load() {
			oldestKey, oldest = k, p
		}
	}
	if oldest != nil {
		delete(s.entries, oldestKey)
	}
}

// Len reports the number of tracked prefixes, attached or not.
func (s *PrefixStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
