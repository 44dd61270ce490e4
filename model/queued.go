package model

import (
	"sync"

	"github.com/sourced-io/sourced/lock"
)

// QueuedStore layers per-(collection, id) serialization on a read-model
// store: Get acquires the record's lock, and Upsert, Update, Delete, or
// Abort release it. Disjoint records never contend. Insert does not
// participate in locking since the record cannot have been loaded.
type QueuedStore struct {
	inner Store
	locks lock.Manager

	mu   sync.Mutex
	held map[string]*lock.Handle
}

type QueuedOption func(s *QueuedStore)

// Locks overrides the default in-memory lock manager.
func Locks(m lock.Manager) QueuedOption {
	return func(s *QueuedStore) {
		s.locks = m
	}
}

func NewQueuedStore(inner Store, opts ...QueuedOption) *QueuedStore {
	s := &QueuedStore{
		inner: inner,
		locks: lock.NewMemoryManager(),
		held:  make(map[string]*lock.Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOption configures a queued read.
type GetOption func(o *getOpts)

type getOpts struct {
	noLock bool
}

// NoLock bypasses the per-record lock, purely for reading.
func NoLock() GetOption {
	return func(o *getOpts) {
		o.noLock = true
	}
}

func recordKey(collection, id string) string {
	return collection + "/" + id
}

func (s *QueuedStore) track(h *lock.Handle) {
	s.mu.Lock()
	s.held[h.Key] = h
	s.mu.Unlock()
}

func (s *QueuedStore) releaseKey(key string) {
	s.mu.Lock()
	h := s.held[key]
	delete(s.held, key)
	s.mu.Unlock()
	if h != nil {
		_ = s.locks.Release(h)
	}
}

// Get blocks until the record's lock is granted, then loads. The lock is
// held until Upsert, Update, Delete, or Abort for the same record, even
// when the record does not exist yet.
func (s *QueuedStore) Get(collection, id string, opts ...GetOption) (*Versioned, error) {
	var o getOpts
	for _, opt := range opts {
		opt(&o)
	}
	if o.noLock {
		return s.inner.Get(collection, id)
	}

	h, err := s.locks.Acquire(recordKey(collection, id))
	if err != nil {
		return nil, err
	}
	s.track(h)
	return s.inner.Get(collection, id)
}

func (s *QueuedStore) Insert(m Model) (*Versioned, error) {
	return s.inner.Insert(m)
}

func (s *QueuedStore) Upsert(m Model) (*Versioned, error) {
	defer s.releaseKey(recordKey(m.Collection(), m.ModelID()))
	return s.inner.Upsert(m)
}

func (s *QueuedStore) Update(m Model, expectedVersion uint64) (*Versioned, error) {
	defer s.releaseKey(recordKey(m.Collection(), m.ModelID()))
	return s.inner.Update(m, expectedVersion)
}

func (s *QueuedStore) Delete(collection, id string) (bool, error) {
	defer s.releaseKey(recordKey(collection, id))
	return s.inner.Delete(collection, id)
}

// Abort releases a held record lock without writing; idempotent.
func (s *QueuedStore) Abort(collection, id string) {
	s.releaseKey(recordKey(collection, id))
}

func (s *QueuedStore) Find(collection string, pred func(*Versioned) bool) ([]*Versioned, error) {
	return s.inner.Find(collection, pred)
}

func (s *QueuedStore) FindOne(collection string, pred func(*Versioned) bool) (*Versioned, error) {
	return s.inner.FindOne(collection, pred)
}

func (s *QueuedStore) Decode(rec *Versioned, v any) error {
	return s.inner.Decode(rec, v)
}
