package model

import (
	"sync"

	"github.com/sourced-io/sourced/codec"
)

// MemoryStore is the in-memory reference read-model backend: one map per
// collection behind a single mutex.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]*Versioned
	codec       codec.Codec
}

type MemoryOption func(s *MemoryStore)

// Codec overrides the codec used to encode models, default msgpack.
func Codec(c codec.Codec) MemoryOption {
	return func(s *MemoryStore) {
		s.codec = c
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		collections: make(map[string]map[string]*Versioned),
		codec:       codec.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Get(collection, id string) (*Versioned, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.collections[collection][id]
	if !ok {
		return nil, nil
	}
	return cloneVersioned(rec), nil
}

func (s *MemoryStore) Insert(m Model) (*Versioned, error) {
	rec, err := s.encode(m)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[rec.Collection][rec.ID]; ok {
		return nil, ErrAlreadyExists
	}
	rec.Version = 1
	s.put(rec)
	return cloneVersioned(rec), nil
}

func (s *MemoryStore) Upsert(m Model) (*Versioned, error) {
	rec, err := s.encode(m)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.collections[rec.Collection][rec.ID]; ok {
		rec.Version = stored.Version + 1
	} else {
		rec.Version = 1
	}
	s.put(rec)
	return cloneVersioned(rec), nil
}

func (s *MemoryStore) Update(m Model, expectedVersion uint64) (*Versioned, error) {
	rec, err := s.encode(m)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.collections[rec.Collection][rec.ID]
	var actual uint64
	if ok {
		actual = stored.Version
	}
	if actual != expectedVersion {
		return nil, &VersionConflictError{
			Collection: rec.Collection,
			ID:         rec.ID,
			Expected:   expectedVersion,
			Actual:     actual,
		}
	}

	rec.Version = expectedVersion + 1
	s.put(rec)
	return cloneVersioned(rec), nil
}

func (s *MemoryStore) Delete(collection, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.collections[collection][id]
	delete(s.collections[collection], id)
	return ok, nil
}

func (s *MemoryStore) Find(collection string, pred func(*Versioned) bool) ([]*Versioned, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Versioned
	for _, rec := range s.collections[collection] {
		if pred(rec) {
			out = append(out, cloneVersioned(rec))
		}
	}
	return out, nil
}

func (s *MemoryStore) FindOne(collection string, pred func(*Versioned) bool) (*Versioned, error) {
	matches, err := s.Find(collection, pred)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

func (s *MemoryStore) Decode(rec *Versioned, v any) error {
	return s.codec.Unmarshal(rec.Data, v)
}

func (s *MemoryStore) encode(m Model) (*Versioned, error) {
	if m.ModelID() == "" {
		return nil, ErrIDRequired
	}
	data, err := s.codec.Marshal(m)
	if err != nil {
		return nil, err
	}
	return &Versioned{
		Collection: m.Collection(),
		ID:         m.ModelID(),
		Data:       data,
	}, nil
}

// put must be called with the mutex held.
func (s *MemoryStore) put(rec *Versioned) {
	coll := s.collections[rec.Collection]
	if coll == nil {
		coll = make(map[string]*Versioned)
		s.collections[rec.Collection] = coll
	}
	coll[rec.ID] = rec
}

func cloneVersioned(rec *Versioned) *Versioned {
	c := *rec
	c.Data = append([]byte(nil), rec.Data...)
	return &c
}

var _ Store = (*MemoryStore)(nil)
