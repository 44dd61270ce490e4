package sourced

import (
	"sort"
	"sync"

	"github.com/sourced-io/sourced/lock"
)

// QueuedRepository wraps any repository with per-key serialization: Get
// acquires the id's lock before loading and the lock is released by
// Commit or Abort, even when the commit fails. Within one id, commits are
// strictly serialized and grants follow arrival order; disjoint ids never
// contend.
type QueuedRepository struct {
	inner Repository
	locks lock.Manager

	mu   sync.Mutex
	held map[string]*lock.Handle
}

type QueuedOption func(r *QueuedRepository)

// LockManager overrides the default in-memory lock manager.
func LockManager(m lock.Manager) QueuedOption {
	return func(r *QueuedRepository) {
		r.locks = m
	}
}

func NewQueuedRepository(inner Repository, opts ...QueuedOption) *QueuedRepository {
	r := &QueuedRepository{
		inner: inner,
		locks: lock.NewMemoryManager(),
		held:  make(map[string]*lock.Handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Inner returns the wrapped repository.
func (r *QueuedRepository) Inner() Repository {
	return r.inner
}

func (r *QueuedRepository) track(h *lock.Handle) {
	r.mu.Lock()
	r.held[h.Key] = h
	r.mu.Unlock()
}

func (r *QueuedRepository) take(key string) *lock.Handle {
	r.mu.Lock()
	h := r.held[key]
	delete(r.held, key)
	r.mu.Unlock()
	return h
}

func (r *QueuedRepository) releaseKey(key string) error {
	if h := r.take(key); h != nil {
		return r.locks.Release(h)
	}
	return nil
}

// Get blocks until the per-id lock is granted, then loads. The lock is
// held until Commit or Abort, including when the id does not exist yet —
// callers create the aggregate and Commit, or Abort(id) to back out.
func (r *QueuedRepository) Get(id string, opts ...GetOption) (*Entity, error) {
	h, err := r.locks.Acquire(id)
	if err != nil {
		return nil, err
	}
	r.track(h)

	e, err := r.inner.Get(id, opts...)
	if err != nil {
		_ = r.releaseKey(id)
		return nil, err
	}
	return e, nil
}

// GetAll locks ids in sorted order to avoid deadlocking against another
// GetAll with an overlapping set, then loads each.
func (r *QueuedRepository) GetAll(ids ...string) ([]*Entity, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			unique = append(unique, id)
		}
	}
	sort.Strings(unique)

	entities := make([]*Entity, 0, len(unique))
	for _, id := range unique {
		e, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			entities = append(entities, e)
		}
	}
	return entities, nil
}

// Peek loads without acquiring the lock; may observe state mid-write.
func (r *QueuedRepository) Peek(id string, opts ...GetOption) (*Entity, error) {
	return r.inner.Get(id, opts...)
}

func (r *QueuedRepository) Find(pred func(*Entity) bool) ([]*Entity, error) {
	return r.inner.Find(pred)
}

func (r *QueuedRepository) FindOne(pred func(*Entity) bool) (*Entity, error) {
	return r.inner.FindOne(pred)
}

func (r *QueuedRepository) Exists(pred func(*Entity) bool) (bool, error) {
	return r.inner.Exists(pred)
}

func (r *QueuedRepository) Count(pred func(*Entity) bool) (int, error) {
	return r.inner.Count(pred)
}

// Commit delegates to the inner repository and releases every held lock,
// on success and on failure alike. A failed commit leaves the entities'
// events and versions untouched but drops their queued local events; the
// caller reloads (re-acquiring the lock) to retry.
func (r *QueuedRepository) Commit(entities ...*Entity) error {
	err := r.inner.Commit(entities...)
	for _, e := range entities {
		_ = r.releaseKey(e.ID())
		if err != nil {
			e.ClearQueued()
		}
	}
	return err
}

// Abort releases the id's lock without committing; idempotent. Entity
// state is unchanged.
func (r *QueuedRepository) Abort(id string) error {
	return r.releaseKey(id)
}

// AbortEntity releases the lock held for a loaded entity and drops its
// queued local events.
func (r *QueuedRepository) AbortEntity(e *Entity) error {
	e.ClearQueued()
	return r.releaseKey(e.ID())
}

var (
	_ Repository = (*QueuedRepository)(nil)
	_ Peekable   = (*QueuedRepository)(nil)
	_ Aborter    = (*QueuedRepository)(nil)
)
