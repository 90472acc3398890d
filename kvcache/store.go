package kvcache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/tinyforge/engine/config"
	"github.com/tinyforge/engine/metrics"
	"github.com/tinyforge/engine/xerr"
)

// SessionID opaquely identifies a generation session. Any comparable string
// works; the scheduler typically mints one per conversation via uuid.
type SessionID string

// Stats is a point-in-time snapshot of KvCacheStore occupancy.
type Stats struct {
	Sessions     int
	TotalBytes   int64
	Evictions    int64
	Rehydrations int64 // sessions restored from the hibernation ring, see SPEC_FULL.md section 5
}

type entry struct {
	id      SessionID
	session *Session
}

// Store is the LRU-ordered mapping from SessionID to Session described in
// spec.md section 3 (KvCacheStore). get is read-mostly: the fast path only
// takes the write lock to update recency, never to copy tensor data.
// Structural mutations (insert, evict) always take the write lock.
type Store struct {
	policy *BudgetPolicy
	pool   *Pool
	sink   metrics.Sink

	maxSessions int
	maxBytes    int64

	hibernate *hibernationRing // nil when hibernation is disabled

	mu         sync.RWMutex
	lru        *lru.LRU[SessionID, *entry]
	totalBytes int64
	evictions  int64
}

// StoreOption configures optional Store behavior.
type StoreOption func(*Store)

// WithMetrics wires a telemetry sink for eviction and budget-violation
// events. Defaults to metrics.Null.
func WithMetrics(sink metrics.Sink) StoreOption {
	return func(s *Store) { s.sink = sink }
}

// WithHibernation enables the zstd-backed cold ring described in
// SPEC_FULL.md section 5: evicted sessions are compressed instead of
// released outright, up to slots entries, and rehydrated transparently on
// the next GetOrCreate for the same id. slots <= 0 disables it.
func WithHibernation(slots int) StoreOption {
	return func(s *Store) {
		if slots > 0 {
			s.hibernate = newHibernationRing(slots)
		}
	}
}

// NewStore builds an empty Store bounded by maxSessions and maxBytesTotal,
// renting/returning session buffers through pool.
func NewStore(policy *BudgetPolicy, pool *Pool, maxSessions int, maxBytesTotal int64, opts ...StoreOption) (*Store, error) {
	s := &Store{
		policy:      policy,
		pool:        pool,
		sink:        metrics.Null{},
		maxSessions: maxSessions,
		maxBytes:    maxBytesTotal,
	}
	for _, o := range opts {
		o(s)
	}

	inner, err := lru.NewLRU[SessionID, *entry](maxSessions, func(id SessionID, e *entry) {
		s.release(id, e)
	})
	if err != nil {
		return nil, xerr.Wrap(xerr.KindValidation, "kvcache: constructing lru store", err)
	}
	s.lru = inner
	return s, nil
}

// NewStoreFromEnv builds a Store the way the teacher's scheduler wires
// envconfig.MaxQueue()/NumParallel() straight into construction (see
// sched_types.go/sched_loading.go): maxSessions, maxBytesTotal and the
// hibernation ring size come from the TINYFORGE_KV_* environment knobs in
// config, rather than being threaded through by every caller.
func NewStoreFromEnv(policy *BudgetPolicy, pool *Pool, sink metrics.Sink) (*Store, error) {
	opts := []StoreOption{WithMetrics(sink)}
	if slots := config.HibernationSlots(); slots > 0 {
		opts = append(opts, WithHibernation(int(slots)))
	}
	return NewStore(policy, pool, int(config.MaxSessions()), int64(config.MaxBytesTotal()), opts...)
}

// release is the simplelru eviction callback: it runs with s.mu already
// held for writing (only called from within methods that hold it).
func (s *Store) release(id SessionID, e *entry) {
	freed := e.session.SizeBytes()
	s.totalBytes -= freed
	s.evictions++
	if s.hibernate != nil {
		s.hibernate.store(id, e.session)
	} else {
		s.pool.Put(e.session)
	}
	s.sink.CacheEviction(string(id), freed)
}

// TryGet returns the session for id without creating one, touching its
// recency on a hit.
func (s *Store) TryGet(id SessionID) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lru.Get(id)
	if !ok {
		return nil, false
	}
	return e.session, true
}

// GetOrCreate returns the existing session for id, or rents a fresh one
// sized for shape/maxTokens. An existing entry's shape is validated against
// the request: a mismatch is a hard xerr.KindInternal error, never a silent
// recreation, per spec.md section 4.4.
func (s *Store) GetOrCreate(id SessionID, shape Shape, maxTokens int) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.lru.Get(id); ok {
		if e.session.Shape != shape || e.session.MaxTokens != maxTokens {
			return nil, xerr.New(xerr.KindInternal, fmt.Sprintf(
				"kvcache: session %q requested with shape %+v/%d does not match existing %+v/%d",
				id, shape, maxTokens, e.session.Shape, e.session.MaxTokens))
		}
		return e.session, nil
	}

	var sess *Session
	if s.hibernate != nil {
		if rehydrated, ok := s.hibernate.take(id, shape, maxTokens); ok {
			sess = rehydrated
		}
	}
	if sess == nil {
		sess = s.pool.Rent(shape, maxTokens)
	}

	e := &entry{id: id, session: sess}
	s.totalBytes += sess.SizeBytes()
	s.lru.Add(id, e) // may itself evict via the onEvict callback if sessions > maxSessions

	s.evictUntilWithinBudget()
	return sess, nil
}

// evictUntilWithinBudget evicts the least-recent session repeatedly until
// total bytes fit under maxBytes. Caller must hold s.mu for writing.
func (s *Store) evictUntilWithinBudget() {
	for s.maxBytes > 0 && s.totalBytes > s.maxBytes && s.lru.Len() > 0 {
		if _, _, ok := s.lru.RemoveOldest(); !ok {
			return
		}
	}
}

// Touch marks id as most-recently-used without returning its session.
func (s *Store) Touch(id SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Get(id) // simplelru.Get already bumps recency as a side effect
}

// Remove evicts id immediately, releasing its buffers to the pool (or the
// hibernation ring) the same way LRU-driven eviction does.
func (s *Store) Remove(id SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(id)
}

// Clear evicts every session, releasing all pooled buffers. Used by
// Shutdown.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Purge()
}

// Stats returns a snapshot of current occupancy.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rehyd := int64(0)
	if s.hibernate != nil {
		rehyd = s.hibernate.rehydrations
	}
	return Stats{
		Sessions:     s.lru.Len(),
		TotalBytes:   s.totalBytes,
		Evictions:    s.evictions,
		Rehydrations: rehyd,
	}
}

// ReserveOrFail consults the budget policy before a write and reports the
// per-session violation to telemetry when refused, per spec.md section 4.4.
func (s *Store) ReserveOrFail(id SessionID, current, additional int) error {
	if s.policy.TryReserve(current, additional) {
		return nil
	}
	requested := s.policy.ComputeRequiredBytes(current + additional)
	s.sink.SessionBudgetExceeded(string(id), requested, s.policy.MaxBytesPerSession)
	return xerr.New(xerr.KindOutOfBudget, fmt.Sprintf(
		"kvcache: session %q reservation for %d tokens needs %d bytes, exceeding max %d",
		id, current+additional, requested, s.policy.MaxBytesPerSession))
}
