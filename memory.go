package sourced

import "sync"

// MemoryRepository is the in-memory reference backend: a map of id to
// event log behind a single mutex. Correct but not throughput-optimized;
// every commit serializes.
type MemoryRepository struct {
	mu      sync.Mutex
	streams map[string][]*EventRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		streams: make(map[string][]*EventRecord),
	}
}

func (r *MemoryRepository) Get(id string, opts ...GetOption) (*Entity, error) {
	o, err := ConfigureGet(opts...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	records, ok := r.streams[id]
	if !ok {
		return nil, nil
	}

	if o.AfterSequence > 0 {
		i := 0
		for i < len(records) && records[i].Sequence <= o.AfterSequence {
			i++
		}
		records = records[i:]
	}

	e := NewEntityWithID(id)
	if o.AfterSequence > 0 {
		e.SetSnapshotVersion(o.AfterSequence)
	}
	e.LoadHistory(cloneRecords(records))
	return e, nil
}

func (r *MemoryRepository) GetAll(ids ...string) ([]*Entity, error) {
	entities := make([]*Entity, 0, len(ids))
	for _, id := range ids {
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

func (r *MemoryRepository) Find(pred func(*Entity) bool) ([]*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Entity
	for id, records := range r.streams {
		e := NewEntityWithID(id)
		e.LoadHistory(cloneRecords(records))
		if pred(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *MemoryRepository) FindOne(pred func(*Entity) bool) (*Entity, error) {
	matches, err := r.Find(pred)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

func (r *MemoryRepository) Exists(pred func(*Entity) bool) (bool, error) {
	e, err := r.FindOne(pred)
	return e != nil, err
}

func (r *MemoryRepository) Count(pred func(*Entity) bool) (int, error) {
	matches, err := r.Find(pred)
	return len(matches), err
}

// Commit appends the pending records of every entity in one atomic
// section. Versions are verified for the whole batch before any append;
// on conflict nothing is written and no entity state changes.
func (r *MemoryRepository) Commit(entities ...*Entity) error {
	r.mu.Lock()

	for _, e := range entities {
		if e.ID() == "" {
			r.mu.Unlock()
			return ErrIDRequired
		}
		actual := r.lastSequence(e.ID())
		if actual != e.Version() {
			id := e.ID()
			r.mu.Unlock()
			return &VersionConflictError{ID: id, Expected: e.Version(), Actual: actual}
		}
	}

	for _, e := range entities {
		if len(e.Pending()) > 0 {
			r.streams[e.ID()] = append(r.streams[e.ID()], cloneRecords(e.Pending())...)
		}
	}
	r.mu.Unlock()

	for _, e := range entities {
		e.MarkCommitted()
		e.EmitQueued()
	}
	return nil
}

// lastSequence must be called with the mutex held. A snapshot-loaded
// entity never observes a version below its stored log length, so the log
// length is the authoritative version for in-memory streams.
func (r *MemoryRepository) lastSequence(id string) uint64 {
	records := r.streams[id]
	if len(records) == 0 {
		return 0
	}
	return records[len(records)-1].Sequence
}

var _ Repository = (*MemoryRepository)(nil)
